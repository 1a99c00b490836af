package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const heartbeatInterval = 15 * time.Second

// streamHistory replays the stored history as "record" events and then
// follows live "transition" events until the instance reaches a terminal
// status or the client goes away.
func (s *Server) streamHistory(c echo.Context) error {
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	// Subscribe before reading history so nothing committed in between is lost.
	events, cancel := s.hub.Subscribe(inst.ID)
	defer cancel()

	ctx := c.Request().Context()
	records, err := s.svc.GetHistory(ctx, inst.ID)
	if err != nil {
		return err
	}
	current, err := s.svc.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, r := range records {
		if err := writeEvent(w, "record", r); err != nil {
			return nil
		}
	}
	w.Flush()
	if current.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, "transition", ev); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeEvent(w *echo.Response, name string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, blob)
	return err
}
