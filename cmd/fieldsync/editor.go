package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hpungsan/fieldsync/internal/crdt"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/lock"
	"github.com/hpungsan/fieldsync/internal/session"
)

const editorHelp = `commands:
  fields                      show every field with its lock state
  show <field>                print a field
  set <field> <text>          replace a field
  append <field> <text>       append to a field
  insert <field> <pos> <text> insert at a character position
  delete <field> <pos> <n>    delete n characters at a position
  focus <field>               claim a field for editing
  blur <field>                give a field up
  steal <field>               take a field over from its editor
  users                       list active users
  quit                        leave the document`

// editor is a line-oriented editing surface over one session. Remote text
// changes and lock transitions are printed as they arrive.
type editor struct {
	sess *session.Session

	mu  sync.Mutex
	out io.Writer

	cancels []func()
}

func newEditor(sess *session.Session, out io.Writer) (*editor, error) {
	e := &editor{sess: sess, out: out}
	for _, field := range sess.Fields() {
		cancel, err := sess.ObserveText(field, e.onText)
		if err != nil {
			e.close()
			return nil, err
		}
		e.cancels = append(e.cancels, cancel)

		cancel, err = sess.ObserveLock(field, e.onLock)
		if err != nil {
			e.close()
			return nil, err
		}
		e.cancels = append(e.cancels, cancel)
	}
	e.printf("editing %s as %s (replica %s), type help for commands\n",
		sess.Document(), sess.User().Name, sess.ID())
	return e, nil
}

func (e *editor) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

// onText prints remote changes only; local writes already show on screen.
func (e *editor) onText(ev crdt.TextEvent) {
	if ev.Origin == e.sess.Origin() {
		return
	}
	e.printf("~ %s = %q\n", ev.Field, ev.Text)
}

func (e *editor) onLock(v lock.View) {
	if v.Locked {
		e.printf("# %s locked by %s\n", v.Field, v.User.Name)
		return
	}
	e.printf("# %s unlocked\n", v.Field)
}

func (e *editor) close() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
}

// run executes commands from in until quit, EOF or ctx is done.
func (e *editor) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := e.exec(scanner.Text())
		if err != nil {
			sErr := errors.As(err)
			e.printf("! [%s] %s\n", sErr.Code, sErr.Message)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// cut splits off the first word of s. Only the single separating space is
// consumed, so text arguments keep their leading whitespace.
func cut(s string) (head, rest string) {
	head, rest, _ = strings.Cut(strings.TrimLeft(s, " \t"), " ")
	return head, rest
}

func (e *editor) exec(line string) (quit bool, err error) {
	cmd, rest := cut(strings.TrimSpace(line))
	field, arg := cut(rest)

	switch cmd {
	case "":
		return false, nil
	case "help", "?":
		e.printf("%s\n", editorHelp)
	case "quit", "exit":
		return true, nil
	case "fields":
		for _, f := range e.sess.Fields() {
			e.showField(f)
		}
	case "show":
		return false, e.showField(field)
	case "set":
		if err := e.writable(field); err != nil {
			return false, err
		}
		return false, e.sess.Write(field, arg)
	case "append":
		if err := e.writable(field); err != nil {
			return false, err
		}
		text, err := e.sess.Read(field)
		if err != nil {
			return false, err
		}
		return false, e.sess.Insert(field, utf8.RuneCountInString(text), arg)
	case "insert":
		posArg, text := cut(arg)
		pos, err := strconv.Atoi(posArg)
		if err != nil {
			return false, errors.NewInvalidRequest("insert needs a numeric position")
		}
		if err := e.writable(field); err != nil {
			return false, err
		}
		return false, e.sess.Insert(field, pos, text)
	case "delete":
		posArg, nArg := cut(arg)
		pos, err1 := strconv.Atoi(posArg)
		n, err2 := strconv.Atoi(nArg)
		if err1 != nil || err2 != nil {
			return false, errors.NewInvalidRequest("delete needs a position and a count")
		}
		if err := e.writable(field); err != nil {
			return false, err
		}
		return false, e.sess.Delete(field, pos, n)
	case "focus":
		return false, e.sess.Focus(field)
	case "blur":
		return false, e.sess.Blur(field)
	case "steal":
		return false, e.sess.Steal(field)
	case "users":
		for _, p := range e.sess.ActiveUsers() {
			marker := " "
			if p.Self {
				marker = "*"
			}
			focus := ""
			if p.FocusedField != "" {
				focus = " editing " + p.FocusedField
			}
			e.printf("%s %s %s%s\n", marker, p.User.Name, p.User.Color, focus)
		}
	default:
		return false, errors.NewInvalidRequest(fmt.Sprintf("unknown command %q, type help", cmd))
	}
	return false, nil
}

// writable refuses edits to a field another user holds.
func (e *editor) writable(field string) error {
	v, err := e.sess.LockView(field)
	if err != nil {
		return err
	}
	if v.Locked {
		return errors.NewFieldLocked(field, v.User.Name)
	}
	return nil
}

func (e *editor) showField(field string) error {
	text, err := e.sess.Read(field)
	if err != nil {
		return err
	}
	v, err := e.sess.LockView(field)
	if err != nil {
		return err
	}
	state := "free"
	if v.Locked {
		state = "locked by " + v.User.Name
	}
	e.printf("%s [%s] %q\n", field, state, text)
	return nil
}
