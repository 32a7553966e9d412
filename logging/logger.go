package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/fatih/color"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// CandidateTag is the marker that distinguishes lines written by the program under test
// from the harness's own diagnostics.
const CandidateTag = "your_program"

// Source identifies who produced a captured message.
type Source int

const (
	// Harness messages are diagnostics written by the tester itself.
	Harness Source = iota
	// Candidate messages are lines read from the output streams of the program under test.
	Candidate
)

type CapturedMessage struct {
	Time    time.Time
	Level   ldlog.LogLevel
	Source  Source
	Scope   string
	Stream  string
	Message string

	capture int
}

// Line renders the message without a timestamp, tagging candidate output.
func (m CapturedMessage) Line() string {
	if m.Source == Candidate {
		return fmt.Sprintf("[%s] %s", CandidateTag, m.Message)
	}
	return m.Message
}

type CapturedOutput []CapturedMessage

// Dump writes every message to dest with a timestamp, one per line.
func (output CapturedOutput) Dump(dest io.Writer, prefix string) {
	for _, m := range output {
		fmt.Fprintf(dest, "%s[%s] %s\n",
			prefix,
			m.Time.Format(timestampFormat),
			m.Line(),
		)
	}
}

// Excerpt returns the last maxLines messages as plain text with any ANSI escapes removed.
// A maxLines of zero or less returns everything.
func (output CapturedOutput) Excerpt(maxLines int) string {
	messages := output
	if maxLines > 0 && len(messages) > maxLines {
		messages = messages[len(messages)-maxLines:]
	}
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(stripansi.Strip(m.Line()))
		b.WriteByte('\n')
	}
	return b.String()
}

// CandidateOnly returns the subset of messages that came from the program under test.
func (output CapturedOutput) CandidateOnly() CapturedOutput {
	var ret CapturedOutput
	for _, m := range output {
		if m.Source == Candidate {
			ret = append(ret, m)
		}
	}
	return ret
}

// Options configures a Sink.
type Options struct {
	// Output receives a live mirror of every message at Info level or above. If nil, and
	// Loggers is also nil, messages are only captured.
	Output io.Writer

	// Verbose mirrors Debug messages to Output too.
	Verbose bool

	// Loggers overrides the console loggers built from Output.
	Loggers *ldlog.Loggers
}

// Sink is the run-wide, append-only store of log messages. All scoped Loggers write into
// the same Sink, so it is safe for concurrent use by process output drains and stage logic.
type Sink struct {
	loggers ldlog.Loggers
	mirror  bool
	output  []CapturedMessage
	next    int
	lock    sync.Mutex
}

func NewSink(opts Options) *Sink {
	s := &Sink{}
	switch {
	case opts.Loggers != nil:
		s.loggers = *opts.Loggers
		s.mirror = true
	case opts.Output != nil:
		s.loggers = ldlog.NewDefaultLoggers()
		s.loggers.SetBaseLogger(log.New(opts.Output, "", 0))
		if opts.Verbose {
			s.loggers.SetMinLevel(ldlog.Debug)
		} else {
			s.loggers.SetMinLevel(ldlog.Info)
		}
		s.mirror = true
	}
	return s
}

// Scoped returns a Logger whose messages are tagged with the given scope, usually a stage's
// log prefix. Each Logger captures separately, even if another one uses the same scope.
func (s *Sink) Scoped(scope string) *Logger {
	s.lock.Lock()
	s.next++
	id := s.next
	s.lock.Unlock()
	return &Logger{sink: s, scope: scope, capture: id}
}

// Messages returns a copy of everything captured so far.
func (s *Sink) Messages() CapturedOutput {
	s.lock.Lock()
	ret := append(CapturedOutput(nil), s.output...)
	s.lock.Unlock()
	return ret
}

func (s *Sink) messagesFor(capture int) CapturedOutput {
	var ret CapturedOutput
	s.lock.Lock()
	for _, m := range s.output {
		if m.capture == capture {
			ret = append(ret, m)
		}
	}
	s.lock.Unlock()
	return ret
}

func (s *Sink) add(m CapturedMessage) {
	s.lock.Lock()
	s.output = append(s.output, m)
	s.lock.Unlock()

	if !s.mirror {
		return
	}
	prefix := ""
	if m.Scope != "" {
		prefix = color.New(color.FgYellow).Sprintf("[%s] ", m.Scope)
	}
	text := prefix + m.Message
	if m.Source == Candidate {
		text = prefix + color.New(color.FgHiBlack).Sprintf("[%s] ", CandidateTag) + m.Message
	}
	switch m.Level {
	case ldlog.Debug:
		s.loggers.Debug(text)
	case ldlog.Warn:
		s.loggers.Warn(text)
	case ldlog.Error:
		s.loggers.Error(text)
	default:
		s.loggers.Info(text)
	}
}

// Logger writes leveled messages into a Sink under one scope. A nil *Logger, or one returned
// by NullLogger, discards everything.
type Logger struct {
	sink    *Sink
	scope   string
	capture int
}

// NullLogger returns a Logger that discards all output.
func NullLogger() *Logger { return &Logger{} }

func (l *Logger) Scope() string {
	if l == nil {
		return ""
	}
	return l.scope
}

// WithScope returns a new Logger on the same sink under a different scope.
func (l *Logger) WithScope(scope string) *Logger {
	if l == nil || l.sink == nil {
		return NullLogger()
	}
	return l.sink.Scoped(scope)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(ldlog.Debug, Harness, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(ldlog.Info, Harness, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(ldlog.Warn, Harness, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ldlog.Error, Harness, "", fmt.Sprintf(format, args...))
}

// Printf logs at Info level.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Infof(format, args...)
}

// Candidate records one line of output from the program under test.
func (l *Logger) Candidate(stream, line string) {
	l.log(ldlog.Info, Candidate, stream, line)
}

// Output returns the messages written through this Logger.
func (l *Logger) Output() CapturedOutput {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.messagesFor(l.capture)
}

func (l *Logger) log(level ldlog.LogLevel, source Source, stream, message string) {
	if l == nil || l.sink == nil {
		return
	}
	l.sink.add(CapturedMessage{
		Time:    time.Now(),
		Level:   level,
		Source:  source,
		Scope:   l.scope,
		Stream:  stream,
		Message: message,
		capture: l.capture,
	})
}
