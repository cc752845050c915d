// Package notify tells operators about failures and finished runs.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
)

// SubjectPrefix starts the subject of every message.
const SubjectPrefix = "[bcl2fastq_pipeline]"

// Kind tells an error report from a completion report.
type Kind int

const (
	// Failure reports an error that needs attention.
	Failure Kind = iota
	// Finished reports a processed lane group.
	Finished
)

// Message is a notification.
type Message struct {
	Kind    Kind
	Subject string
	Body    string
}

// Error builds the message reporting err while processing runID. runID may
// be empty for failures not tied to a run.
func Error(runID string, err error) Message {
	body := err.Error()
	if runID != "" {
		body = fmt.Sprintf("Flow cell: %s\n%v", runID, err)
	}
	return Message{Kind: Failure, Subject: SubjectPrefix + " Error", Body: body}
}

// Processed builds the message announcing that group (a run ID with its
// lane suffix) was processed in elapsed time, with the given summary.
func Processed(group string, elapsed time.Duration, summary string) Message {
	return Message{
		Kind:    Finished,
		Subject: fmt.Sprintf("%s %s processed", SubjectPrefix, group),
		Body:    fmt.Sprintf("Flow cell: %s\nRun time: %s\n%s", group, elapsed.Round(time.Second), summary),
	}
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes messages to the log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, m Message) error {
	if m.Kind == Failure {
		log.Error.Printf("%s\n%s", m.Subject, m.Body)
	} else {
		log.Printf("%s\n%s", m.Subject, m.Body)
	}
	return nil
}

// CommandNotifier pipes each message, with From, To and Subject headers, to
// a mail command such as "sendmail -t".
type CommandNotifier struct {
	Runner  tools.Runner
	Command tools.Command
	From    string
	// ErrorTo and FinishedTo are the recipients of the two kinds of
	// message.
	ErrorTo, FinishedTo string
}

// Notify implements Notifier.
func (n CommandNotifier) Notify(ctx context.Context, m Message) error {
	to := n.ErrorTo
	if m.Kind == Finished {
		to = n.FinishedTo
	}
	if to == "" {
		log.Debug.Printf("notify: no recipient for %q", m.Subject)
		return nil
	}
	var b bytes.Buffer
	if n.From != "" {
		fmt.Fprintf(&b, "From: %s\n", n.From)
	}
	fmt.Fprintf(&b, "To: %s\nSubject: %s\n\n%s\n", to, m.Subject, m.Body)
	c := n.Command
	c.Stdin = &b
	return n.Runner.Run(ctx, c)
}

// Multi delivers each message to all of its notifiers.
type Multi []Notifier

// Notify implements Notifier. Every notifier is tried; the errors are
// combined.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	errs := multierror.NewMultiError(len(m))
	for _, n := range m {
		errs.Add(n.Notify(ctx, msg))
	}
	return errs.Err()
}
