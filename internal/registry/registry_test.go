package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

func makeRequest(id string) *model.PendingRequest {
	return &model.PendingRequest{
		RequestID:         id,
		UserID:            "user-1",
		ChannelID:         "channel-1",
		InteractionID:     "interaction-1",
		OriginalMessageID: "message-1",
		Prompt:            "a lighthouse at dusk",
		Resolution:        "1024x1024",
		UpscaleFactor:     1,
		Workflow:          "flux_dev.json",
		CreatedAt:         time.Now().UTC(),
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	req := makeRequest("r1")

	if err := r.Register(req); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("r1")
	if !ok {
		t.Fatal("Get(r1) = not found, want found")
	}
	if got.Prompt != req.Prompt {
		t.Errorf("Prompt = %q, want %q", got.Prompt, req.Prompt)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) = found, want not found")
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := New()
	if err := r.Register(makeRequest("r1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register(makeRequest("r1"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Register duplicate: err = %v, want ErrDuplicateID", err)
	}

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(makeRequest("r1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req, ok := r.Remove("r1")
	if !ok {
		t.Fatal("first Remove = false, want true")
	}
	if req.RequestID != "r1" {
		t.Errorf("removed RequestID = %q, want r1", req.RequestID)
	}

	if _, ok := r.Remove("r1"); ok {
		t.Error("second Remove = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

// TestRemoveExactlyOneWinner hammers a single entry with concurrent removers
// and verifies exactly one succeeds. This is the synchronization point that
// decides the result-vs-timeout race.
func TestRemoveExactlyOneWinner(t *testing.T) {
	const attempts = 100
	for i := 0; i < attempts; i++ {
		r := New()
		if err := r.Register(makeRequest("r1")); err != nil {
			t.Fatalf("Register: %v", err)
		}

		const removers = 8
		var wg sync.WaitGroup
		wins := make(chan struct{}, removers)
		for j := 0; j < removers; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.Remove("r1"); ok {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		won := 0
		for range wins {
			won++
		}
		if won != 1 {
			t.Fatalf("iteration %d: %d removers won, want exactly 1", i, won)
		}
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(makeRequest(id)); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].RequestID != want {
			t.Errorf("List[%d] = %q, want %q", i, list[i].RequestID, want)
		}
	}
}
