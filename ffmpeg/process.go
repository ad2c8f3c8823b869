package ffmpeg

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/hc/log"
)

var Stdout io.Writer = io.Discard
var Stderr io.Writer = io.Discard

// EnableVerboseLogging enables verbose logging of ffmpeg to stdout.
func EnableVerboseLogging() {
	Stdout = os.Stdout
	Stderr = os.Stderr
}

// killTimeout is how long a terminated process may take before it is killed.
var killTimeout = 5 * time.Second

// exit codes of a regular stop: 255 is returned by ffmpeg after SIGINT/SIGTERM
// and -1 means that the process was ended by a signal.
func isNormalExit(code int) bool {
	return code == 0 || code == 255 || code == -1
}

// process is a running transcoder.
type process struct {
	id      StreamID
	cmd     *exec.Cmd
	started time.Time
	address string

	// closed when the first diagnostic output arrives
	firstOutput chan struct{}
	// closed when the process has been reaped
	done chan struct{}
	code int
}

// supervisor spawns transcoders and reports their exit.
type supervisor struct {
	command func(name string, arg ...string) *exec.Cmd
	exited  func(p *process)
}

func newSupervisor(exited func(p *process)) *supervisor {
	return &supervisor{
		command: exec.Command,
		exited:  exited,
	}
}

// spawn starts inv and monitors it until it exits.
func (sv *supervisor) spawn(id StreamID, address string, inv Invocation) (*process, error) {
	cmd := sv.command(inv.Path, inv.Args...)
	p := &process{
		id:          id,
		cmd:         cmd,
		address:     address,
		firstOutput: make(chan struct{}),
		done:        make(chan struct{}),
	}

	// ffmpeg stalls when nobody reads its diagnostic output,
	// so stderr is always consumed even if it is discarded.
	cmd.Stdout = Stdout
	cmd.Stderr = &diagnostics{id: id, out: Stderr, first: p.firstOutput}

	log.Debug.Println(inv)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{ID: id, Err: err}
	}
	p.started = time.Now()

	go sv.wait(p)

	return p, nil
}

func (sv *supervisor) wait(p *process) {
	err := p.cmd.Wait()

	p.code = -1
	if p.cmd.ProcessState != nil {
		p.code = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		// the process was not reaped properly
		p.code = -2
	}
	close(p.done)

	if sv.exited != nil {
		sv.exited(p)
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

// terminate asks the process to stop and kills it if it does not exit in time.
func (p *process) terminate() {
	log.Debug.Printf("stop stream %s (pid %d)", p.id, p.pid())

	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		log.Debug.Println("terminate:", err)
		return
	}
	// a suspended process only handles the interrupt once it runs again
	p.cmd.Process.Signal(syscall.SIGCONT)

	go func() {
		select {
		case <-p.done:
		case <-time.After(killTimeout):
			log.Info.Printf("stream %s did not stop, killing pid %d", p.id, p.pid())
			p.cmd.Process.Kill()
		}
	}()
}

func (p *process) suspend() {
	log.Debug.Println("suspend stream", p.id)
	p.cmd.Process.Signal(syscall.SIGSTOP)
}

func (p *process) resume() {
	log.Debug.Println("resume stream", p.id)
	p.cmd.Process.Signal(syscall.SIGCONT)
}

// diagnostics consumes the stderr of a transcoder.
type diagnostics struct {
	id    StreamID
	out   io.Writer
	first chan struct{}
	once  sync.Once
}

func (d *diagnostics) Write(b []byte) (int, error) {
	d.once.Do(func() {
		log.Debug.Printf("stream %s: received first output", d.id)
		close(d.first)
	})

	// errors of the sink are ignored
	d.out.Write(b)

	return len(b), nil
}
