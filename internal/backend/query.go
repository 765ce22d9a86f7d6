package backend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/nexusml/nexus/internal/logx"
	"github.com/nexusml/nexus/internal/wire"
)

// QueryHandler accepts data-plane connections (spec.md §2: "a separate
// connection scoped to the backend that owns a query"), decodes
// QueryRequest frames into Tasks, and writes back InferenceReply frames
// as each task completes.
func QueryHandler(pool *Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		defer c.Close(websocket.StatusInternalError, "server error")

		replies := make(chan Result, 32)
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for res := range replies {
				b, err := json.Marshal(toInferenceReply(res))
				if err != nil {
					continue
				}
				if err := c.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				close(replies)
				<-writeDone
				return
			}
			var req wire.QueryRequest
			if err := json.Unmarshal(data, &req); err != nil {
				logx.Log.Debug().Err(err).Msg("malformed query frame")
				continue
			}
			submitQuery(pool, req, replies)
		}
	}
}

func submitQuery(pool *Pool, req wire.QueryRequest, replies chan<- Result) {
	now := time.Now()
	deadline := now.Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	if req.DeadlineMs <= 0 {
		deadline = now.Add(time.Second)
	}
	t := &Task{
		QueryID:        req.QueryID,
		ModelSessionID: req.ModelSessionID,
		WindowSize:     req.WindowSize,
		Input:          req.Input,
		State:          StatePreprocess,
		Arrival:        now,
		Deadline:       deadline,
		Reply:          replies,
	}
	pool.Queue().Push(t)
}

func toInferenceReply(res Result) wire.InferenceReply {
	return wire.InferenceReply{
		QueryID:        res.QueryID,
		ModelSessionID: res.ModelSessionID,
		Status:         res.Status,
		LatencyUs:      res.LatencyUs,
		QueuingUs:      res.QueuingUs,
		Output:         res.Output,
	}
}
