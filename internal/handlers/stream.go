package handlers

import (
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// runState is a snapshot of a deployment or pipeline run for streaming.
type runState struct {
	Output   string
	Status   string
	ExitCode int
	Finished bool
}

// streamSource abstracts deployments and pipeline runs.
type streamSource struct {
	state       func(id int64) (*runState, error)
	subscribe   func(id int64) chan string
	unsubscribe func(id int64, ch chan string)
}

// StreamHandler streams live run output over SSE or websocket.
type StreamHandler struct {
	handlerBase
	deployments streamSource
	pipelines   streamSource
	upgrader    websocket.Upgrader
}

func NewStreamHandler(deployments *services.DeploymentService, pipelines *services.PipelineService, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		handlerBase: handlerBase{logger: logger},
		deployments: streamSource{
			state: func(id int64) (*runState, error) {
				d, err := deployments.Get(id)
				if err != nil {
					return nil, err
				}
				st := &runState{Output: d.Output, Status: string(d.Status), Finished: d.Status.Finished()}
				if d.ExitCode != nil {
					st.ExitCode = *d.ExitCode
				}
				return st, nil
			},
			subscribe:   deployments.Subscribe,
			unsubscribe: deployments.Unsubscribe,
		},
		pipelines: streamSource{
			state: func(id int64) (*runState, error) {
				run, err := pipelines.GetRun(id)
				if err != nil {
					return nil, err
				}
				var out strings.Builder
				for _, l := range run.Logs {
					out.WriteString(l.Output)
				}
				st := &runState{Output: out.String(), Status: string(run.Status), Finished: run.Status.Finished()}
				if st.Finished && run.Status != models.RunSuccess {
					st.ExitCode = 1
				}
				return st, nil
			},
			subscribe:   pipelines.SubscribeRun,
			unsubscribe: pipelines.UnsubscribeRun,
		},
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

func (h *StreamHandler) Deployment(c *gin.Context)   { h.sse(c, h.deployments) }
func (h *StreamHandler) PipelineRun(c *gin.Context)  { h.sse(c, h.pipelines) }
func (h *StreamHandler) DeploymentWS(c *gin.Context) { h.ws(c, h.deployments) }

func (h *StreamHandler) sse(c *gin.Context, src streamSource) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := src.state(id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if st.Finished {
		for _, line := range strings.Split(st.Output, "\n") {
			if line != "" {
				_, _ = fmt.Fprintf(c.Writer, "event: output\ndata: %s\n\n", line)
			}
		}
		_, _ = fmt.Fprintf(c.Writer, "event: complete\ndata: {\"status\": \"%s\", \"exit_code\": %d}\n\n", st.Status, st.ExitCode)
		c.Writer.Flush()
		return
	}

	ch := src.subscribe(id)
	defer src.unsubscribe(id, ch)

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			if line, isLine := strings.CutPrefix(msg, services.StreamOutputPrefix); isLine {
				_, _ = fmt.Fprintf(w, "event: output\ndata: %s\n\n", line)
				return true
			}
			if status, done := strings.CutPrefix(msg, services.StreamCompletePrefix); done {
				exitCode := 1
				if final, err := src.state(id); err == nil {
					status, exitCode = final.Status, final.ExitCode
				}
				_, _ = fmt.Fprintf(w, "event: complete\ndata: {\"status\": \"%s\", \"exit_code\": %d}\n\n", status, exitCode)
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type wsMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (h *StreamHandler) ws(c *gin.Context, src streamSource) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := src.state(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if st.Finished {
		if st.Output != "" {
			_ = conn.WriteJSON(wsMessage{Type: "output", Data: st.Output})
		}
		_ = conn.WriteJSON(wsMessage{Type: "complete", Status: st.Status, ExitCode: &st.ExitCode})
		return
	}

	ch := src.subscribe(id)
	defer src.unsubscribe(id, ch)
	closed := readUntilClose(conn)

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if line, isLine := strings.CutPrefix(msg, services.StreamOutputPrefix); isLine {
				if err := conn.WriteJSON(wsMessage{Type: "output", Data: line}); err != nil {
					return
				}
				continue
			}
			if status, done := strings.CutPrefix(msg, services.StreamCompletePrefix); done {
				final := &runState{Status: status, ExitCode: 1}
				if s, err := src.state(id); err == nil {
					final = s
				}
				_ = conn.WriteJSON(wsMessage{Type: "complete", Status: final.Status, ExitCode: &final.ExitCode})
				return
			}
		case <-closed:
			return
		}
	}
}

// readUntilClose drains client frames so close and ping control messages are
// processed. The returned channel closes when the peer goes away.
func readUntilClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return done
}
