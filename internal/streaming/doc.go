/*
Package streaming writes server-sent event streams with timeout protection.

A client that stops reading an event stream would otherwise pin a handler
goroutine and its subscription forever. EventWriter bounds every write with
a deadline set through http.ResponseController, flushes after each event and
reports why a stream ended through sentinel errors.

# Usage

	feed, cancel := log.Subscribe(256)
	defer cancel()

	ew, err := streaming.NewEventWriter(r.Context(), w, streaming.DefaultConfig())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer ew.Close()

	err = streaming.Stream(ew, feed, func(rec audit.Record) (streaming.Event, error) {
		data, err := json.Marshal(rec)
		return streaming.Event{ID: strconv.FormatInt(rec.ID, 10), Name: string(rec.Kind), Data: data}, err
	})
	if err != nil && !errors.Is(err, streaming.ErrClientGone) {
		logging.Warn("stream ended: %v", err)
	}

# Errors

  - ErrClientGone: the request context ended
  - ErrWriteTimeout: a write missed its deadline or MaxDuration passed
  - ErrStreamClosed: a write after Close
  - ErrUnsupported: the response writer cannot flush

Middleware that wraps http.ResponseWriter must implement Unwrap for the
write deadline to reach the connection. Without it deadlines are skipped
and only context cancellation ends a stalled stream.
*/
package streaming
