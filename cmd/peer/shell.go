package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/treesync/pkg/archive"
	"github.com/fruitsalade/treesync/pkg/bridge"
	"github.com/fruitsalade/treesync/pkg/models"
)

var errExit = errors.New("exit requested")

const helpText = `commands:
  ls [path]                 list the tree (or a subtree)
  mkdir <path>              create a directory
  touch <path>              create a file (name is suffixed if taken)
  cat <path>                print file content
  write <path> <text...>    replace file content
  edit <path> <text...>     change the draft of the active file
  mv <path> <name>          rename a file or directory
  rm <path>                 delete a file or directory
  open <path> | close <path>
  files                     list open files (* marks the active one)
  toggle <path> | collapse
  export <file.zip>         write the tree to a zip archive
  import <file.zip> [dir]   replace a directory with a zip archive
  users | msg <text...> | messages
  status online|offline | typing <cursor> | pause
  exit`

// shell runs one command line against a bridge.
type shell struct {
	b   *bridge.Bridge
	out io.Writer
}

func (s *shell) exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}
	cmd, args := args[0], args[1:]
	rest := func(from int) string {
		return strings.Join(args[from:], " ")
	}

	switch cmd {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "exit", "quit":
		return errExit

	case "ls":
		id, err := s.resolve(argOr(args, 0, ""))
		if err != nil {
			return err
		}
		n, _ := s.b.Get(id)
		s.list(n, 0)

	case "mkdir", "touch":
		if err := need(args, 1); err != nil {
			return err
		}
		parent, name := path.Split(strings.Trim(args[0], "/"))
		pid, err := s.resolve(strings.TrimSuffix(parent, "/"))
		if err != nil {
			return err
		}
		if cmd == "mkdir" {
			_, err = s.b.CreateDirectory(pid, name)
		} else {
			_, err = s.b.CreateFile(pid, name)
		}
		return err

	case "cat":
		n, err := s.node(args)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, n.Content)

	case "write", "edit":
		if err := need(args, 1); err != nil {
			return err
		}
		id, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		if cmd == "write" {
			return s.b.UpdateFileContent(id, rest(1))
		}
		return s.b.EditFile(id, rest(1))

	case "mv":
		if err := need(args, 2); err != nil {
			return err
		}
		n, err := s.node(args)
		if err != nil {
			return err
		}
		if n.IsDir() {
			return s.b.RenameDirectory(n.ID, args[1])
		}
		return s.b.RenameFile(n.ID, args[1])

	case "rm":
		n, err := s.node(args)
		if err != nil {
			return err
		}
		if n.IsDir() {
			return s.b.DeleteDirectory(n.ID)
		}
		return s.b.DeleteFile(n.ID)

	case "open", "close", "toggle":
		if err := need(args, 1); err != nil {
			return err
		}
		id, err := s.resolve(args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "open":
			return s.b.OpenFile(id)
		case "close":
			return s.b.CloseFile(id)
		}
		return s.b.ToggleDirectory(id)

	case "collapse":
		s.b.CollapseAll()

	case "files":
		active := s.b.ActiveFile()
		for _, f := range s.b.OpenFiles() {
			mark := " "
			if active != nil && active.ID == f.ID {
				mark = "*"
			}
			p, _ := s.b.Path(f.ID)
			fmt.Fprintf(s.out, "%s %s\n", mark, p)
		}

	case "export":
		if err := need(args, 1); err != nil {
			return err
		}
		return s.export(args[0])

	case "import":
		if err := need(args, 1); err != nil {
			return err
		}
		return s.importZip(args[0], argOr(args, 1, ""))

	case "users":
		self := s.b.Self()
		for _, u := range s.b.Users() {
			mark := " "
			if u.SocketID == self.SocketID {
				mark = "*"
			}
			typing := ""
			if u.Typing {
				typing = fmt.Sprintf(" typing@%d", u.CursorPosition)
			}
			fmt.Fprintf(s.out, "%s %s (%s)%s\n", mark, u.Username, u.Status, typing)
		}

	case "msg":
		if err := need(args, 1); err != nil {
			return err
		}
		return s.b.SendMessage(rest(0))

	case "messages":
		for _, m := range s.b.Messages() {
			fmt.Fprintf(s.out, "[%s] %s: %s\n", time.Unix(m.Timestamp, 0).Format("15:04:05"), m.Username, m.Message)
		}

	case "status":
		if err := need(args, 1); err != nil {
			return err
		}
		switch args[0] {
		case "online":
			return s.b.SetStatus(true)
		case "offline":
			return s.b.SetStatus(false)
		}
		return fmt.Errorf("status must be online or offline")

	case "typing":
		cursor := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("cursor: %w", err)
			}
			cursor = n
		}
		return s.b.SetTyping(true, cursor)
	case "pause":
		return s.b.SetTyping(false, 0)

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (s *shell) resolve(p string) (string, error) {
	id, ok := s.b.Resolve(strings.Trim(p, "/"))
	if !ok {
		return "", fmt.Errorf("%s: no such file or directory", p)
	}
	return id, nil
}

func (s *shell) node(args []string) (*models.Node, error) {
	if err := need(args, 1); err != nil {
		return nil, err
	}
	id, err := s.resolve(args[0])
	if err != nil {
		return nil, err
	}
	n, _ := s.b.Get(id)
	return n, nil
}

func (s *shell) list(n *models.Node, depth int) {
	for _, c := range n.Children {
		name := c.Name
		if c.IsDir() {
			name += "/"
		}
		fmt.Fprintf(s.out, "%s%s\n", strings.Repeat("  ", depth), name)
		if c.IsDir() {
			s.list(c, depth+1)
		}
	}
}

func (s *shell) export(file string) error {
	entries := s.b.Export()
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := archive.WriteZip(f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *shell) importZip(file, dir string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	entries, err := archive.ReadZip(f, info.Size())
	if err != nil {
		return err
	}
	id, err := s.resolve(dir)
	if err != nil {
		return err
	}
	return s.b.ImportDirectory(id, entries)
}

func need(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("expected %d argument(s)", n)
	}
	return nil
}

func argOr(args []string, i int, fallback string) string {
	if i < len(args) {
		return args[i]
	}
	return fallback
}
