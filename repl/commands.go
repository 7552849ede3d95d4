package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/drpcorg/blockdoc/page"
	"github.com/drpcorg/blockdoc/session"
)

// how long open waits for the page before going on offline
var SyncTimeout = 5 * time.Second

// pcTypes completes a command followed by a block type.
func pcTypes(cmd string) *readline.PrefixCompleter {
	item := readline.PcItem(cmd)
	for _, bt := range page.BlockTypes {
		item.Children = append(item.Children, readline.PcItem(string(bt)))
	}
	return item
}

// cut splits off the first word.
func cut(line string) (word, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t\r\n")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i:])
}

func (repl *REPL) page() (*page.Page, error) {
	if repl.Session == nil {
		return nil, ErrNoPage
	}
	return repl.Session.Page(), nil
}

// block resolves #index from ls, a block id or a unique id prefix.
// Ids may be all digits, so a bare number is never taken for an index.
func (repl *REPL) block(ref string) (block page.Block, index int, err error) {
	p, err := repl.page()
	if err != nil {
		return
	}
	if ref == "" || ref == "#" {
		return block, -1, ErrBadArgs
	}
	blocks := p.Blocks()
	if num, ok := strings.CutPrefix(ref, "#"); ok {
		i, err := strconv.Atoi(num)
		if err != nil {
			return block, -1, fmt.Errorf("%w: %s", ErrBadArgs, ref)
		}
		if i < 0 || i >= len(blocks) {
			return block, -1, fmt.Errorf("%w: %s", ErrNoBlock, ref)
		}
		return blocks[i], i, nil
	}
	index = -1
	for i, b := range blocks {
		if b.ID == ref {
			return b, i, nil
		}
		if strings.HasPrefix(b.ID, ref) {
			if index >= 0 {
				return block, -1, fmt.Errorf("%w: %s", ErrAmbiguous, ref)
			}
			block, index = b, i
		}
	}
	if index < 0 {
		return block, -1, fmt.Errorf("%w: %s", ErrNoBlock, ref)
	}
	return
}

func (repl *REPL) openPage(id string) error {
	if err := repl.closePage(); err != nil {
		return err
	}
	s, err := session.Open(id, repl.Broker, repl.Options)
	if err != nil {
		return err
	}
	repl.Session = s
	ctx, cancel := context.WithTimeout(context.Background(), SyncTimeout)
	defer cancel()
	err = s.WaitSynced(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		repl.printf("page %s: not synced yet, edits go out once connected\n", id)
	case err != nil:
		return err
	default:
		repl.printf("page %s: %d blocks\n", id, s.Page().Len())
	}
	s.SetCursor("", 0)
	return nil
}

func (repl *REPL) closePage() error {
	if repl.Session == nil {
		return nil
	}
	err := repl.Session.Close()
	repl.Session = nil
	repl.sel = nil
	return err
}

func (repl *REPL) CommandNew(arg string) error {
	return repl.openPage(session.NewPageID())
}

func (repl *REPL) CommandOpen(arg string) error {
	id, _ := cut(arg)
	if id == "" {
		return ErrBadArgs
	}
	return repl.openPage(id)
}

func (repl *REPL) CommandClose(arg string) error {
	if repl.Session == nil {
		return ErrNoPage
	}
	return repl.closePage()
}

func (repl *REPL) CommandStatus(arg string) error {
	if repl.Session == nil {
		return ErrNoPage
	}
	prov := repl.Session.Provider()
	repl.printf("page\t%s\nclient\t%d\nstate\t%s\nops\t%d\npublished\t%d\nblocks\t%d\n",
		repl.Session.ID(),
		repl.Session.ClientID(),
		prov.State(),
		repl.Session.Doc().Seq(),
		prov.Published(),
		repl.Session.Page().Len(),
	)
	return nil
}

func (repl *REPL) CommandList(arg string) error {
	p, err := repl.page()
	if err != nil {
		return err
	}
	for i, b := range p.Blocks() {
		mark := " "
		if slices.Contains(repl.sel, b.ID) {
			mark = "*"
		}
		repl.printf("%s#%-3d %-8.8s %-13s %s\n", mark, i, b.ID, b.Type, preview(b.Content))
	}
	return nil
}

func preview(content string) string {
	line, _, more := strings.Cut(content, "\n")
	if r := []rune(line); len(r) > 60 {
		line, more = string(r[:60]), true
	}
	if more {
		line += "…"
	}
	return line
}

func (repl *REPL) CommandCat(arg string) error {
	b, _, err := repl.block(arg)
	if err != nil {
		return err
	}
	repl.printf("%s %s\n%s\n", b.ID, b.Type, b.Content)
	return nil
}

func (repl *REPL) CommandAdd(arg string) (id string, err error) {
	p, err := repl.page()
	if err != nil {
		return "", err
	}
	name, text := cut(arg)
	bt, err := page.ParseBlockType(name)
	if err != nil {
		return "", err
	}
	return p.AppendBlock(bt, text)
}

func (repl *REPL) CommandInsert(arg string) (id string, err error) {
	p, err := repl.page()
	if err != nil {
		return "", err
	}
	ref, rest := cut(arg)
	anchor, _, err := repl.block(ref)
	if err != nil {
		return "", err
	}
	name, text := cut(rest)
	bt, err := page.ParseBlockType(name)
	if err != nil {
		return "", err
	}
	return p.InsertBlockAfter(anchor.ID, bt, text)
}

func (repl *REPL) CommandEdit(arg string) (id string, err error) {
	ref, text := cut(arg)
	b, _, err := repl.block(ref)
	if err != nil {
		return "", err
	}
	err = repl.Session.Page().UpdateBlockContent(b.ID, text)
	if err == nil {
		repl.Session.SetCursor(b.ID, len([]rune(text)))
	}
	return b.ID, err
}

func (repl *REPL) retype(arg string, convert bool) (id string, err error) {
	ref, name := cut(arg)
	b, _, err := repl.block(ref)
	if err != nil {
		return "", err
	}
	bt, err := page.ParseBlockType(name)
	if err != nil {
		return "", err
	}
	if convert {
		err = repl.Session.Page().ConvertBlock(b.ID, bt)
	} else {
		err = repl.Session.Page().UpdateBlockType(b.ID, bt)
	}
	return b.ID, err
}

func (repl *REPL) CommandType(arg string) (id string, err error) {
	return repl.retype(arg, false)
}

func (repl *REPL) CommandConvert(arg string) (id string, err error) {
	return repl.retype(arg, true)
}

func (repl *REPL) CommandDelete(arg string) (id string, err error) {
	b, _, err := repl.block(arg)
	if err != nil {
		return "", err
	}
	repl.sel = slices.DeleteFunc(repl.sel, func(s string) bool { return s == b.ID })
	return b.ID, repl.Session.Page().DeleteBlock(b.ID)
}

func indexes(arg string) (a, b int, err error) {
	first, rest := cut(arg)
	second, _ := cut(rest)
	if a, err = strconv.Atoi(first); err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not an index", ErrBadArgs, first)
	}
	if b, err = strconv.Atoi(second); err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not an index", ErrBadArgs, second)
	}
	return
}

func (repl *REPL) CommandMove(arg string) error {
	p, err := repl.page()
	if err != nil {
		return err
	}
	from, to, err := indexes(arg)
	if err != nil {
		return err
	}
	return p.MoveBlock(from, to)
}

func (repl *REPL) CommandSwap(arg string) error {
	p, err := repl.page()
	if err != nil {
		return err
	}
	i, j, err := indexes(arg)
	if err != nil {
		return err
	}
	return p.SwapBlocks(i, j)
}

// CommandSelect replaces the selection; no arguments clears it.
func (repl *REPL) CommandSelect(arg string) error {
	if _, err := repl.page(); err != nil {
		return err
	}
	var sel []string
	for _, ref := range strings.Fields(arg) {
		b, _, err := repl.block(ref)
		if err != nil {
			return err
		}
		if !slices.Contains(sel, b.ID) {
			sel = append(sel, b.ID)
		}
	}
	repl.sel = sel
	repl.printf("%d selected\n", len(sel))
	return nil
}

func (repl *REPL) CommandDrop(arg string) error {
	p, err := repl.page()
	if err != nil {
		return err
	}
	if len(repl.sel) == 0 {
		return fmt.Errorf("%w: nothing selected", ErrBadArgs)
	}
	at, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return fmt.Errorf("%w: %q is not an index", ErrBadArgs, arg)
	}
	if err := p.MoveSelection(repl.sel, at); err != nil {
		return err
	}
	repl.sel = nil
	return nil
}

func (repl *REPL) CommandCursor(arg string) error {
	if repl.Session == nil {
		return ErrNoPage
	}
	if arg == "" {
		repl.Session.SetCursor("", 0)
		return nil
	}
	ref, rest := cut(arg)
	b, _, err := repl.block(ref)
	if err != nil {
		return err
	}
	offset := len([]rune(b.Content))
	if rest != "" {
		if offset, err = strconv.Atoi(rest); err != nil || offset < 0 {
			return fmt.Errorf("%w: bad offset %q", ErrBadArgs, rest)
		}
	}
	repl.Session.SetCursor(b.ID, offset)
	return nil
}

func (repl *REPL) CommandWho(arg string) error {
	if repl.Session == nil {
		return ErrNoPage
	}
	states := repl.Session.Presence().GetStates()
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := states[id]
		me := ""
		if id == repl.Session.ClientID() {
			me = " (you)"
		}
		where := "-"
		if st.Cursor != nil {
			where = fmt.Sprintf("%.8s:%d", st.Cursor.BlockID, st.Cursor.Offset)
		}
		repl.printf("%d\t%s%s\t%s\n", id, st.UserID, me, where)
	}
	return nil
}
