package command

import (
	"context"
	"strings"
	"sync"
)

// Reply is what a FakeRunner handler answers for one command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error // Execution failure; ExitCode is then forced to -1
}

// HandlerFunc answers a command on behalf of FakeRunner.
type HandlerFunc func(ctx context.Context, cmd *Command) Reply

// Stdout answers with exit code 0 and the given output.
func Stdout(s string) HandlerFunc {
	return func(context.Context, *Command) Reply { return Reply{Stdout: s} }
}

// Exit answers with the given exit code and no output.
func Exit(code int) HandlerFunc {
	return func(context.Context, *Command) Reply { return Reply{ExitCode: code} }
}

// FakeRunner is a scripted Runner for tests.
//
// Handlers are registered against an argv prefix. A command is answered by
// the handler with the longest matching prefix; on equal length the most
// recently registered one wins. Commands nothing matches succeed silently.
// Every call is recorded. Thread-safe.
//
// Usage example:
//
//	fake := command.NewFakeRunner()
//	fake.On(command.Stdout("/dev/loop3: []: (/c.img)\n"), "losetup", "-j")
//	fake.On(command.Exit(5), "vgs", "cros_c_000")
//
//	res, err := fake.Run(ctx, command.Sudo("losetup", "-j", "/c.img"))
type FakeRunner struct {
	mu       sync.Mutex
	handlers []fakeHandler
	calls    []*Command
}

type fakeHandler struct {
	prefix []string
	fn     HandlerFunc
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On registers fn for commands whose argv starts with prefix.
func (f *FakeRunner) On(fn HandlerFunc, prefix ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fakeHandler{prefix: prefix, fn: fn})
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i, p := range prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}

func (f *FakeRunner) lookup(args []string) HandlerFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *fakeHandler
	for i := range f.handlers {
		h := &f.handlers[i]
		if !hasPrefix(args, h.prefix) {
			continue
		}
		if best == nil || len(h.prefix) >= len(best.prefix) {
			best = h
		}
	}
	if best == nil {
		return nil
	}
	return best.fn
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	recorded := *cmd
	recorded.Args = append([]string(nil), cmd.Args...)

	f.mu.Lock()
	f.calls = append(f.calls, &recorded)
	f.mu.Unlock()

	result := &Result{Args: recorded.Args}
	if err := ctx.Err(); err != nil {
		return check(cmd, result, err)
	}

	var reply Reply
	if fn := f.lookup(cmd.Args); fn != nil {
		reply = fn(ctx, &recorded)
	}

	result.Stdout = reply.Stdout
	result.Stderr = reply.Stderr
	result.ExitCode = reply.ExitCode
	return check(cmd, result, reply.Err)
}

// Calls returns every recorded command in order.
func (f *FakeRunner) Calls() []*Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Command(nil), f.calls...)
}

// CallsMatching returns the recorded commands whose argv starts with prefix.
func (f *FakeRunner) CallsMatching(prefix ...string) []*Command {
	var out []*Command
	for _, c := range f.Calls() {
		if hasPrefix(c.Args, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Ran reports whether a command starting with prefix was run.
func (f *FakeRunner) Ran(prefix ...string) bool {
	return len(f.CallsMatching(prefix...)) > 0
}

// Commandlines returns the recorded argvs joined by spaces, for
// order-sensitive assertions.
func (f *FakeRunner) Commandlines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c.Args, " ")
	}
	return out
}

// Reset drops recorded calls, keeping the handlers.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
