package esocial

import (
	"context"
	"time"

	"github.com/hemobras/esocial/internal/journal"
	"github.com/hemobras/esocial/internal/telemetry"
	"github.com/hemobras/esocial/internal/transport"
	"github.com/hemobras/esocial/internal/xmlsig"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder keeps a copy of every exchange. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, entry *journal.Entry) error
}

// Reply is the outcome of an exchange with the remote service.
type Reply struct {
	Body       string
	StatusCode int
	Duration   time.Duration
	// Batch is the document that was submitted, set by SignAndSend.
	Batch []byte
	// JournalID is empty when no recorder is configured or recording failed.
	JournalID string
}

// Gateway signs events, submits batches and queries their status.
// It is safe for concurrent use.
type Gateway struct {
	signer     *xmlsig.Signer
	submission *SubmissionClient
	query      *QueryClient
	header     BatchHeader
	recorder   Recorder
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRecorder journals every exchange to r.
func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) {
		g.recorder = r
	}
}

func NewGateway(signer *xmlsig.Signer, submission *SubmissionClient, query *QueryClient, header BatchHeader, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		signer:     signer,
		submission: submission,
		query:      query,
		header:     header,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sign signs one event document.
func (g *Gateway) Sign(ctx context.Context, event []byte) (*xmlsig.Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "esocial.Sign")
	defer span.End()

	started := time.Now()
	res, err := g.signer.SignDocument(ctx, event)

	entry := &journal.Entry{
		Kind:      journal.KindSign,
		Request:   string(event),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		fail(span, err)
		entry.Error = err.Error()
	} else {
		span.SetAttributes(attribute.String("esocial.element_id", res.ElementID))
		entry.ElementID = res.ElementID
		entry.Response = string(res.Document)
	}
	g.record(ctx, entry)

	return res, err
}

// Send submits an already signed batch document.
func (g *Gateway) Send(ctx context.Context, batch []byte) (*Reply, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "esocial.Send")
	defer span.End()

	return g.send(ctx, span, batch)
}

// SignAndSend signs event, wraps it in a batch with the configured header and submits it.
func (g *Gateway) SignAndSend(ctx context.Context, event []byte) (*Reply, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "esocial.SignAndSend")
	defer span.End()

	signed, err := g.Sign(ctx, event)
	if err != nil {
		fail(span, err)
		return nil, err
	}

	batch, err := WrapBatch(signed.Document, g.header)
	if err != nil {
		fail(span, err)
		return nil, err
	}

	reply, err := g.send(ctx, span, batch)
	if err != nil {
		return nil, err
	}
	reply.Batch = batch
	return reply, nil
}

func (g *Gateway) send(ctx context.Context, span trace.Span, batch []byte) (*Reply, error) {
	span.SetAttributes(attribute.String("url.full", g.submission.URL()))

	started := time.Now()
	resp, err := g.submission.send(ctx, batch)

	entry := &journal.Entry{
		Kind:      journal.KindSubmit,
		URL:       g.submission.URL(),
		Request:   string(batch),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	return g.finish(ctx, span, entry, resp, err)
}

// Query asks for the processing result of protocol.
func (g *Gateway) Query(ctx context.Context, protocol string) (*Reply, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "esocial.Query",
		trace.WithAttributes(
			attribute.String("esocial.protocol", protocol),
			attribute.String("url.full", g.query.URL()),
		))
	defer span.End()

	started := time.Now()
	body, resp, err := g.query.send(ctx, protocol)
	if body == nil && err != nil {
		fail(span, err)
		return nil, err
	}

	entry := &journal.Entry{
		Kind:      journal.KindQuery,
		URL:       g.query.URL(),
		Protocol:  protocol,
		Request:   string(body),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	return g.finish(ctx, span, entry, resp, err)
}

func (g *Gateway) finish(ctx context.Context, span trace.Span, entry *journal.Entry, resp *transport.Response, err error) (*Reply, error) {
	if err != nil {
		fail(span, err)
		entry.Error = err.Error()
		g.record(ctx, entry)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	entry.StatusCode = resp.StatusCode
	entry.Response = resp.Body
	g.record(ctx, entry)

	log.Info().
		Str("kind", string(entry.Kind)).
		Str("url", entry.URL).
		Int("status", resp.StatusCode).
		Dur("duration", resp.Duration).
		Str("journal_id", entry.ID).
		Msg("exchange completed")

	return &Reply{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Duration:   resp.Duration,
		JournalID:  entry.ID,
	}, nil
}

// record journals entry. A journal failure never fails the exchange.
func (g *Gateway) record(ctx context.Context, entry *journal.Entry) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Str("kind", string(entry.Kind)).Msg("failed to write journal entry")
		entry.ID = ""
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
