package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PathEvents streams the signed-in user's project changes.
const PathEvents = "/api/scratch/events"

const maxEventBytes = 1 << 20

// Events streams project changes to fn until ctx is cancelled or the
// server ends the stream. Neither counts as an error. fn runs on the
// calling goroutine.
func (c *Client) Events(ctx context.Context, fn func(ProjectEvent)) error {
	target := c.base.ResolveReference(&url.URL{Path: PathEvents})
	ctx, span := c.tracer.Start(ctx, "backend.Events", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.path", target.Path)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	requestID := c.decorate(req, target)
	ctx = logging.WithRequestID(ctx, requestID)

	resp, err := c.streamClient.Do(req)
	code := "error"
	defer func() { RequestsTotal.WithLabelValues("Events", code).Inc() }()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("GET %s: %w", target.Path, err)
	}
	defer resp.Body.Close()
	code = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes))
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return newStatusError(http.MethodGet, target.Path, resp.StatusCode, raw)
	}

	c.logger.Debug(ctx, "event stream opened")
	err = c.readEvents(ctx, resp.Body, fn)
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		return err
	}
	c.logger.Debug(ctx, "event stream closed")
	return nil
}

// readEvents parses a text/event-stream body. Only data lines are used;
// the event type is repeated inside the JSON payload.
func (c *Client) readEvents(ctx context.Context, r io.Reader, fn func(ProjectEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventBytes)

	var data strings.Builder
	dispatch := func() {
		if data.Len() == 0 {
			return
		}
		var ev ProjectEvent
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			c.logger.Warn(ctx, "skipping malformed project event", zap.Error(err))
		} else {
			fn(ev)
		}
		data.Reset()
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	dispatch()
	return nil
}
