package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hemobras/esocial/internal/journal"
)

type JournalCmd struct {
	List    JournalListCmd    `cmd:"" help:"List recorded exchanges, newest first"`
	Show    JournalShowCmd    `cmd:"" help:"Print one recorded exchange"`
	Cleanup JournalCleanupCmd `cmd:"" help:"Delete entries older than the retention period"`
}

func openJournal(globals *Globals) (*journal.Journal, int, error) {
	_, cfg, err := setup(globals)
	if err != nil {
		return nil, 0, err
	}
	if err := cfg.ValidateJournal(); err != nil {
		return nil, 0, err
	}
	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return nil, 0, err
	}
	return j, cfg.Journal.RetentionDays, nil
}

type JournalListCmd struct {
	Limit int `help:"Maximum number of entries to print" default:"50"`
}

func (l *JournalListCmd) Run(ctx context.Context, globals *Globals) error {
	j, _, err := openJournal(globals)
	if err != nil {
		return err
	}

	summaries, err := j.List()
	if err != nil {
		return err
	}
	if l.Limit > 0 && len(summaries) > l.Limit {
		summaries = summaries[:l.Limit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tSIZE\tERROR")
	for _, s := range summaries {
		status := "-"
		if s.StatusCode != 0 {
			status = fmt.Sprint(s.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Kind, status, s.StartedAt.Format(time.RFC3339), s.Size, s.Error)
	}
	return w.Flush()
}

type JournalShowCmd struct {
	ID       string `arg:"" help:"Entry ID"`
	Response bool   `help:"Print only the response body"`
}

func (s *JournalShowCmd) Run(ctx context.Context, globals *Globals) error {
	j, _, err := openJournal(globals)
	if err != nil {
		return err
	}

	entry, err := j.Read(s.ID)
	if err != nil {
		return err
	}

	if s.Response {
		fmt.Println(entry.Response)
		return nil
	}

	fmt.Printf("id:        %s\n", entry.ID)
	fmt.Printf("kind:      %s\n", entry.Kind)
	fmt.Printf("started:   %s\n", entry.StartedAt.Format(time.RFC3339Nano))
	fmt.Printf("duration:  %s\n", entry.Duration)
	fmt.Printf("checksum:  %016x\n", entry.Checksum)
	if entry.URL != "" {
		fmt.Printf("url:       %s\n", entry.URL)
	}
	if entry.ElementID != "" {
		fmt.Printf("element:   %s\n", entry.ElementID)
	}
	if entry.Protocol != "" {
		fmt.Printf("protocol:  %s\n", entry.Protocol)
	}
	if entry.StatusCode != 0 {
		fmt.Printf("status:    %d\n", entry.StatusCode)
	}
	if entry.Error != "" {
		fmt.Printf("error:     %s\n", entry.Error)
	}
	fmt.Printf("\n--- request\n%s\n", entry.Request)
	if entry.Response != "" {
		fmt.Printf("\n--- response\n%s\n", entry.Response)
	}
	return nil
}

type JournalCleanupCmd struct {
	RetentionDays int `help:"Retention in days (overrides journal.retention_days)"`
}

func (c *JournalCleanupCmd) Run(ctx context.Context, globals *Globals) error {
	j, retention, err := openJournal(globals)
	if err != nil {
		return err
	}
	if c.RetentionDays > 0 {
		retention = c.RetentionDays
	}

	deleted, err := j.Cleanup(retention)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d entries older than %d days\n", deleted, retention)
	return nil
}
