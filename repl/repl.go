package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/ergochat/readline"

	"github.com/drpcorg/blockdoc/broker"
	"github.com/drpcorg/blockdoc/session"
	"github.com/drpcorg/blockdoc/utils"
)

// REPL per se.
type REPL struct {
	Broker  broker.Broker
	Options session.Options
	Session *session.Session

	rl  *readline.Instance
	out io.Writer
	srv *http.Server
	sel []string
}

var (
	ErrNoPage    = errors.New("no page open, try new or open")
	ErrBadArgs   = errors.New("bad arguments")
	ErrNoBlock   = errors.New("no such block")
	ErrAmbiguous = errors.New("block reference is ambiguous")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("new"),
	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("status"),

	readline.PcItem("ls"),
	readline.PcItem("cat"),
	pcTypes("add"),
	readline.PcItem("insert"),
	readline.PcItem("edit"),
	readline.PcItem("type"),
	readline.PcItem("convert"),
	readline.PcItem("rm"),
	readline.PcItem("move"),
	readline.PcItem("swap"),
	readline.PcItem("select"),
	readline.PcItem("drop"),

	readline.PcItem("cursor"),
	readline.PcItem("who"),
	readline.PcItem("serve"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "¶ ",
		HistoryFile:     ".blockdoc_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	_ = repl.closePage()
	if repl.srv != nil {
		_ = repl.srv.Close()
		repl.srv = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) output() io.Writer {
	if repl.out == nil {
		return os.Stdout
	}
	return repl.out
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.output(), format, args...)
}

func (repl *REPL) prompt() {
	if repl.rl == nil {
		return
	}
	if repl.Session == nil {
		repl.rl.SetPrompt("¶ ")
	} else {
		repl.rl.SetPrompt(repl.Session.ID() + " ¶ ")
	}
}

// REPL reads one line and runs it.
func (repl *REPL) REPL() (id string, err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, err = repl.Execute(line)
	repl.prompt()
	return
}

// Execute runs one command line; id is the block it created or
// changed, if any.
func (repl *REPL) Execute(line string) (id string, err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return "", nil
	}
	cmd, arg := cut(line)
	switch cmd {
	// page open/close
	case "new":
		err = repl.CommandNew(arg)
	case "open":
		err = repl.CommandOpen(arg)
	case "close":
		err = repl.CommandClose(arg)
	case "status":
		err = repl.CommandStatus(arg)
	case "exit", "quit":
		err = repl.closePage()
		if err == nil {
			err = io.EOF
		}
	// ----- blocks -----
	case "ls", "show", "list":
		err = repl.CommandList(arg)
	case "cat":
		err = repl.CommandCat(arg)
	case "add":
		id, err = repl.CommandAdd(arg)
	case "insert":
		id, err = repl.CommandInsert(arg)
	case "edit":
		id, err = repl.CommandEdit(arg)
	case "type":
		id, err = repl.CommandType(arg)
	case "convert":
		id, err = repl.CommandConvert(arg)
	case "rm", "delete":
		id, err = repl.CommandDelete(arg)
	case "move":
		err = repl.CommandMove(arg)
	case "swap":
		err = repl.CommandSwap(arg)
	case "select":
		err = repl.CommandSelect(arg)
	case "drop":
		err = repl.CommandDrop(arg)
	// ----- presence -----
	case "cursor":
		err = repl.CommandCursor(arg)
	case "who":
		err = repl.CommandWho(arg)
	// ----- http -----
	case "serve":
		err = repl.CommandServe(arg)
	case "help":
		repl.printf("%s", help)
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

const help = `new                              start a fresh page
open <page>                      join a page
close                            leave the page
status                           connection and sync state
ls                               list blocks
cat <block>                      print a block
add <type> [text]                append a block
insert <after> <type> [text]     insert a block after another
edit <block> [text]              replace the text of a block
type <block> <type>              change the type, keep the text
convert <block> <type>           change the type, clear the text
rm <block>                       delete a block
move <from> <to>                 drag a block by index
swap <i> <j>                     exchange two blocks
select <block>...                select blocks for drop
drop <index>                     move the selection to index
cursor [<block> <offset>]        share the cursor position
who                              who else is on the page
serve <addr>                     serve the page over HTTP
exit                             leave
A block is #index from ls, an id or an id prefix.
`

const usage = `blockdoc editor.

The relay defaults to $BLOCKDOC_RELAY; with no relay the page lives
in this process only.

Usage:
    repl [--relay=<url>] [--user=<name>] [--log-level=<level>] [<page>]
    repl -h | --help
    repl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --relay=<url>        Relay WebSocket url, like ws://localhost:8080/ws.
    --user=<name>        User name shown to the others.
    --log-level=<level>  debug, info, warn or error [default: warn].`

const ReplVersion = "0.1.0"

func main() {
	args, err := docopt.ParseArgs(usage, os.Args[1:], ReplVersion)
	if err != nil {
		panic(err)
	}
	levelName, _ := args.String("--log-level")
	level, err := utils.ParseLevel(levelName)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := utils.NewDefaultLogger(level)

	repl := REPL{}
	repl.Options.Logger = log
	repl.Options.UserID, _ = args.String("--user")
	if repl.Options.UserID == "" {
		repl.Options.UserID = os.Getenv("USER")
	}
	url, _ := args.String("--relay")
	if url == "" {
		url = os.Getenv("BLOCKDOC_RELAY")
	}
	if url != "" {
		repl.Broker = broker.NewRelay(url, log)
	} else {
		repl.Broker = broker.NewMemory()
	}

	err = repl.Open()
	if page, _ := args.String("<page>"); err == nil && page != "" {
		err = repl.CommandOpen(page)
		repl.prompt()
	}
	var id string

	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		} else if id != "" {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", id)
		}
		id, err = repl.REPL()
	}
	_ = repl.Close()
}
