package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odalys-dev/comfyrelay/internal/comfy"
	"github.com/odalys-dev/comfyrelay/internal/model"
	"github.com/odalys-dev/comfyrelay/internal/progress"
	"github.com/odalys-dev/comfyrelay/internal/workflow"
)

func TestFinalArtifactSelection(t *testing.T) {
	outputs := comfy.OutputList{
		{NodeID: "9", Images: []comfy.ImageRef{
			{Filename: "ComfyUI_00001_.png"},
		}},
		{NodeID: "264", Images: []comfy.ImageRef{
			{Filename: "ComfyUI_temp_abc.png"},
			{Filename: "ComfyUI_00002_.png"},
			{Filename: "ComfyUI_temp_def.png"},
		}},
	}

	ref, ok := FinalArtifact(outputs)
	require.True(t, ok)
	assert.Equal(t, "ComfyUI_00002_.png", ref.Filename,
		"last non-intermediate image in reverse node and item order")
}

func TestFinalArtifactAllIntermediate(t *testing.T) {
	outputs := comfy.OutputList{
		{NodeID: "9", Images: []comfy.ImageRef{
			{Filename: "ComfyUI_temp_abc.png"},
			{Filename: "ComfyUI_temp_def.png"},
		}},
	}

	_, ok := FinalArtifact(outputs)
	assert.False(t, ok)
}

func TestFinalArtifactNoOutputs(t *testing.T) {
	_, ok := FinalArtifact(nil)
	assert.False(t, ok)
}

func TestArgsParseJobRoundTrip(t *testing.T) {
	seed := int64(424242)
	req := makeModelRequest()
	req.Seed = &seed

	args, err := Args(req)
	require.NoError(t, err)
	require.Len(t, args, 11)

	job, err := ParseJob(args)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, job.RequestID)
	assert.Equal(t, req.Prompt, job.Prompt)
	assert.Equal(t, req.Loras, job.Loras)
	assert.Equal(t, req.UpscaleFactor, job.UpscaleFactor)
	assert.Equal(t, req.Workflow, job.Workflow)
	require.NotNil(t, job.Seed)
	assert.Equal(t, seed, *job.Seed)
}

func TestParseJobMissingPositions(t *testing.T) {
	_, err := ParseJob([]string{"r1", "u1", "c1"})
	assert.Error(t, err)
}

func TestParseJobOptionalSeed(t *testing.T) {
	args, err := Args(makeModelRequest())
	require.NoError(t, err)
	require.Len(t, args, 10)

	job, err := ParseJob(args)
	require.NoError(t, err)
	assert.Nil(t, job.Seed)

	// The literal "None" also means absent, for invoker compatibility.
	job, err = ParseJob(append(args, "None"))
	require.NoError(t, err)
	assert.Nil(t, job.Seed)
}

func TestParseJobBadUpscaleFactorDefaultsToOne(t *testing.T) {
	args, err := Args(makeModelRequest())
	require.NoError(t, err)
	args[8] = "not-a-number"

	job, err := ParseJob(args)
	require.NoError(t, err)
	assert.Equal(t, 1, job.UpscaleFactor)
}

// fakeReceiver records the callbacks a runner makes.
type fakeReceiver struct {
	mu       sync.Mutex
	events   []progress.Event
	result   map[string]string
	image    []byte
	errField string
}

func (f *fakeReceiver) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/update_progress", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID    string         `json:"request_id"`
			ProgressData progress.Event `json:"progress_data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.events = append(f.events, body.ProgressData)
		f.mu.Unlock()
		w.Write([]byte("Progress updated"))
	})
	mux.HandleFunc("/send_image", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.result = map[string]string{}
		for key, vals := range r.MultipartForm.Value {
			f.result[key] = vals[0]
		}
		f.errField = r.FormValue("error")
		if file, _, err := r.FormFile("image_data"); err == nil {
			defer file.Close()
			f.image, _ = io.ReadAll(file)
		}
		w.Write([]byte("Success"))
	})
	return mux
}

func (f *fakeReceiver) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Status)
	}
	return out
}

func (f *fakeReceiver) milestones() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, ev := range f.events {
		if ev.Status == progress.StatusGenerating {
			out = append(out, ev.Progress)
		}
	}
	return out
}

// fakeBackend serves the ComfyUI protocol surface for one scripted job.
type fakeBackend struct {
	promptID string
	steps    int
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Drain whatever the client sends (clear_cache) without blocking writes.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(v string) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
		}

		send(`{"type":"execution_start","data":{"prompt_id":"` + b.promptID + `"}}`)
		send(`{"type":"executing","data":{"node":"1","prompt_id":"` + b.promptID + `","node_type":"UNETLoader"}}`)
		send(`{"type":"status","data":{"exec_info":{"queue_remaining":1}}}`)
		for step := 1; step <= b.steps; step++ {
			msg, err := json.Marshal(map[string]any{
				"type": "progress",
				"data": map[string]int{"value": step, "max": b.steps},
			})
			require.NoError(t, err)
			send(string(msg))
		}
		send(`{"type":"executing","data":{"node":null,"prompt_id":"` + b.promptID + `"}}`)

		// Hold the connection open until the client closes it.
		<-closed
	})

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": b.promptID})
	})

	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"` + b.promptID + `": {"outputs": {
			"9":   {"images": [{"filename": "ComfyUI_temp_aaa.png", "subfolder": "", "type": "temp"}]},
			"264": {"images": [{"filename": "ComfyUI_00012_.png", "subfolder": "", "type": "output"}]}
		}}}`))
	})

	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	})

	return mux
}

func makeModelRequest() *model.PendingRequest {
	return &model.PendingRequest{
		RequestID:         "r1",
		UserID:            "u1",
		ChannelID:         "c1",
		InteractionID:     "i1",
		OriginalMessageID: "m1",
		Prompt:            "a lighthouse at dusk",
		Resolution:        "1024x1024",
		Loras:             []string{"detail.safetensors"},
		UpscaleFactor:     2,
		Workflow:          "flux_dev.json",
	}
}

func newTestWorkflowDir(t *testing.T) *workflow.Dir {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"flux_dev.json": `{
			"69":    {"inputs": {"prompt": ""}},
			"258":   {"inputs": {"ratio_selected": ""}},
			"264":   {"inputs": {"scale_by": 1}},
			"271":   {"inputs": {}},
			"198:2": {"inputs": {"noise_seed": 0}}
		}`,
		"lora.json":   `{"available_loras": [{"file": "detail.safetensors", "name": "Detail Tweaker", "weight": 0.8}]}`,
		"ratios.json": `{"ratios": {"1024x1024": {"width": 1024, "height": 1024}}}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return workflow.NewDir(dir, logger)
}

func TestRunDeliversResult(t *testing.T) {
	recv := &fakeReceiver{}
	recvSrv := httptest.NewServer(recv.handler(t))
	defer recvSrv.Close()

	backend := &fakeBackend{promptID: "p-1", steps: 50}
	backendSrv := httptest.NewServer(backend.handler(t))
	defer backendSrv.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := newTestWorkflowDir(t)
	reporter := NewReporter(recvSrv.URL, logger)
	r := New(strings.TrimPrefix(backendSrv.URL, "http://"), dir, reporter, logger)

	seed := int64(99)
	job := &Job{
		RequestID:         "r1",
		UserID:            "u1",
		ChannelID:         "c1",
		InteractionID:     "i1",
		OriginalMessageID: "m1",
		Prompt:            "a lighthouse at dusk",
		Resolution:        "1024x1024",
		Loras:             []string{"detail.safetensors"},
		UpscaleFactor:     2,
		Workflow:          "flux_dev.json",
		Seed:              &seed,
	}

	require.NoError(t, r.Run(context.Background(), job))
	assert.Equal(t, StateDelivered, r.State())

	// Milestones: every multiple of 10 once, never 100.
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90}, recv.milestones())

	statuses := recv.statuses()
	assert.Contains(t, statuses, progress.StatusStarting)
	assert.Contains(t, statuses, progress.StatusLoading)
	assert.Contains(t, statuses, progress.StatusComplete)
	assert.Contains(t, statuses, progress.StatusFinalizing)
	assert.NotContains(t, statuses, progress.StatusError)

	// Terminal upload carries the full identifier set and the artifact.
	recv.mu.Lock()
	defer recv.mu.Unlock()
	require.NotNil(t, recv.result)
	assert.Equal(t, "r1", recv.result["request_id"])
	assert.Equal(t, "u1", recv.result["user_id"])
	assert.Equal(t, "2048x2048", recv.result["upscaled_resolution"])
	assert.Equal(t, "99", recv.result["seed"])
	assert.Equal(t, []byte("png-bytes"), recv.image)
	assert.Empty(t, recv.errField)
}

// A resolution key missing from ratios.json must not fail the job; the
// upload falls back to the placeholder display value.
func TestRunUnknownResolutionStillDelivers(t *testing.T) {
	recv := &fakeReceiver{}
	recvSrv := httptest.NewServer(recv.handler(t))
	defer recvSrv.Close()

	backend := &fakeBackend{promptID: "p-1", steps: 10}
	backendSrv := httptest.NewServer(backend.handler(t))
	defer backendSrv.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := newTestWorkflowDir(t)
	reporter := NewReporter(recvSrv.URL, logger)
	r := New(strings.TrimPrefix(backendSrv.URL, "http://"), dir, reporter, logger)

	job := &Job{
		RequestID:         "r1",
		UserID:            "u1",
		ChannelID:         "c1",
		InteractionID:     "i1",
		OriginalMessageID: "m1",
		Prompt:            "a lighthouse at dusk",
		Resolution:        "1536x1536", // not in ratios.json
		UpscaleFactor:     2,
		Workflow:          "flux_dev.json",
	}

	require.NoError(t, r.Run(context.Background(), job))
	assert.Equal(t, StateDelivered, r.State())

	recv.mu.Lock()
	defer recv.mu.Unlock()
	require.NotNil(t, recv.result)
	assert.Equal(t, "Unknown", recv.result["upscaled_resolution"])
	assert.Equal(t, "1536x1536", recv.result["resolution"])
	assert.Empty(t, recv.errField)
}

func TestRunBackendUnreachable(t *testing.T) {
	recv := &fakeReceiver{}
	recvSrv := httptest.NewServer(recv.handler(t))
	defer recvSrv.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := newTestWorkflowDir(t)
	reporter := NewReporter(recvSrv.URL, logger)
	// Port 1 is never listening.
	r := New("127.0.0.1:1", dir, reporter, logger)

	job := &Job{
		RequestID:         "r1",
		UserID:            "u1",
		ChannelID:         "c1",
		InteractionID:     "i1",
		OriginalMessageID: "m1",
		Prompt:            "p",
		Resolution:        "1024x1024",
		UpscaleFactor:     1,
		Workflow:          "flux_dev.json",
	}

	err := r.Run(context.Background(), job)
	require.ErrorIs(t, err, ErrBackendUnreachable)
	assert.Equal(t, StateFailed, r.State())

	// A terminal error result reaches the receiver so it can finalize.
	recv.mu.Lock()
	defer recv.mu.Unlock()
	assert.NotEmpty(t, recv.errField)
	assert.Equal(t, "r1", recv.result["request_id"])
	assert.Contains(t, recv.statusesLocked(), progress.StatusError)
}

// statusesLocked is statuses for callers already holding the mutex.
func (f *fakeReceiver) statusesLocked() []string {
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Status)
	}
	return out
}
