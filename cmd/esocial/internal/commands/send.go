package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hemobras/esocial/internal/esocial"
	"github.com/rs/zerolog/log"
)

type SendCmd struct {
	Input string `arg:"" optional:"" help:"Signed batch document (stdin when omitted or -)" type:"path"`
}

func (s *SendCmd) Run(ctx context.Context, globals *Globals) error {
	_, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	batch, err := readInput(s.Input)
	if err != nil {
		return err
	}

	reply, err := a.gateway.Send(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return printReply(reply)
}

type SignAndSendCmd struct {
	Input     string `arg:"" optional:"" help:"Event document to sign and submit (stdin when omitted or -)" type:"path"`
	SaveBatch string `help:"Also write the submitted batch document to this file" type:"path"`
}

func (s *SignAndSendCmd) Run(ctx context.Context, globals *Globals) error {
	_, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	event, err := readInput(s.Input)
	if err != nil {
		return err
	}

	reply, err := a.gateway.SignAndSend(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to sign and send event: %w", err)
	}

	if s.SaveBatch != "" {
		if err := writeOutput(s.SaveBatch, reply.Batch); err != nil {
			return err
		}
	}

	return printReply(reply)
}

// printReply writes the response body to stdout and logs its status block when present.
func printReply(reply *esocial.Reply) error {
	event := log.Info().
		Int("status", reply.StatusCode).
		Dur("duration", reply.Duration).
		Str("journal_id", reply.JournalID)

	if st, err := esocial.ParseStatus(reply.Body); err == nil {
		event = event.
			Int("cd_resposta", st.Code).
			Str("desc_resposta", st.Description).
			Str("protocol", st.Protocol)
	}
	event.Msg("Response received")

	_, err := fmt.Fprintln(os.Stdout, reply.Body)
	return err
}

var errStillProcessing = errors.New("batch still processing")

type QueryCmd struct {
	Protocol string        `arg:"" help:"Protocol number returned when the batch was submitted"`
	Wait     bool          `help:"Poll until the batch leaves the processing state"`
	Interval time.Duration `help:"Initial polling interval" default:"5s"`
	Timeout  time.Duration `help:"Give up polling after this long" default:"10m"`
}

func (q *QueryCmd) Run(ctx context.Context, globals *Globals) error {
	_, cfg, err := setup(globals)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !q.Wait {
		reply, err := a.gateway.Query(ctx, q.Protocol)
		if err != nil {
			return fmt.Errorf("failed to query batch: %w", err)
		}
		return printReply(reply)
	}

	reply, err := q.poll(ctx, a.gateway)
	if err != nil {
		return err
	}
	return printReply(reply)
}

// poll repeats the query with exponential backoff while the remote service
// reports the batch as processing. Transport failures stop polling.
func (q *QueryCmd) poll(ctx context.Context, gateway *esocial.Gateway) (*esocial.Reply, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.Interval
	b.MaxInterval = time.Minute

	attempt := 0
	operation := func() (*esocial.Reply, error) {
		attempt++
		reply, err := gateway.Query(ctx, q.Protocol)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to query batch: %w", err))
		}

		st, err := esocial.ParseStatus(reply.Body)
		if err != nil || !st.Pending() {
			return reply, nil
		}

		log.Info().
			Int("attempt", attempt).
			Str("protocol", q.Protocol).
			Str("desc_resposta", st.Description).
			Msg("Batch still processing")
		return nil, errStillProcessing
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(q.Timeout),
	)
}
