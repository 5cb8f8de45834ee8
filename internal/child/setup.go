package child

import (
	"os"
)

// SetupOp is one operation in the ordered fd-setup DSL applied to a
// child before exec (spec §6). Go's runtime forbids hand-rolled
// fork()-then-arbitrary-code-then-exec() in a multithreaded process, so
// unlike the Perl original this DSL is realized by building an
// *exec.Cmd's Stdin/Stdout/Stderr/ExtraFiles/Env before Start, rather
// than by running code between fork and exec (see DESIGN.md).
type SetupOp interface {
	apply(*setupCtx) error
}

type setupCtx struct {
	files map[int]*os.File // target fd -> file to install
	kept  map[int]bool
	env   map[string]string
}

func newSetupCtx() *setupCtx {
	return &setupCtx{files: make(map[int]*os.File), kept: make(map[int]bool)}
}

type closeOp struct{ fd int }

// Close marks fd as explicitly closed (not passed to the child). This
// is the default for any fd not otherwise mentioned; Close exists for
// documentation and for overriding an earlier Keep/Dup of the same fd.
func Close(fd int) SetupOp { return closeOp{fd} }

func (o closeOp) apply(c *setupCtx) error {
	delete(c.files, o.fd)
	delete(c.kept, o.fd)
	return nil
}

type keepOp struct{ fd int }

// Keep records fd in the setup's kept set. Spawn does not consult that
// set: the child receives only fds 0-2 and the descriptors mapped by the
// other ops, so a kept fd that no other op maps is not open in the child.
func Keep(fd int) SetupOp { return keepOp{fd} }

func (o keepOp) apply(c *setupCtx) error {
	c.kept[o.fd] = true
	return nil
}

type dupOp struct{ fd, src int }

// Dup duplicates src onto fd in the child.
func Dup(fd, src int) SetupOp { return dupOp{fd, src} }

func (o dupOp) apply(c *setupCtx) error {
	c.files[o.fd] = os.NewFile(uintptr(o.src), "")
	return nil
}

type openOp struct {
	fd   int
	mode int
	path string
}

// Open opens path with the given os.OpenFile flags onto fd in the
// child.
func Open(fd, mode int, path string) SetupOp { return openOp{fd, mode, path} }

func (o openOp) apply(c *setupCtx) error {
	f, err := os.OpenFile(o.path, o.mode, 0o644)
	if err != nil {
		return err
	}
	c.files[o.fd] = f
	return nil
}

type envOp struct{ env map[string]string }

// Env replaces the child's environment entirely with env.
func Env(env map[string]string) SetupOp { return envOp{env} }

func (o envOp) apply(c *setupCtx) error {
	c.env = o.env
	return nil
}

// Stdin, Stdout, Stderr are aliases for fd 0/1/2 (spec §6).
func Stdin(src int) SetupOp  { return Dup(0, src) }
func Stdout(src int) SetupOp { return Dup(1, src) }
func Stderr(src int) SetupOp { return Dup(2, src) }
