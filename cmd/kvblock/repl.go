package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/kvcache/pkg/kvblock"
	"github.com/KevoDB/kvcache/pkg/objstore"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("NEW"),
	readline.PcItem("BUILDERS"),
	readline.PcItem("UPDATE"),
	readline.PcItem("QUERY"),
	readline.PcItem("SPLIT"),
	readline.PcItem("BITMAP"),
	readline.PcItem("DUMP"),
	readline.PcItem("SEAL"),
	readline.PcItem("DISCARD"),
	readline.PcItem("MAKE"),
	readline.PcItem("FETCH"),
	readline.PcItem("DELETE"),
	readline.PcItem("LIST"),
)

const helpText = `
kvblock - KV-cache block builder shell

Builders are referred to by the handle printed when they are created.
Keys and values are text, zero padded to the slot width and written to every layer.

Commands:
  .help                          - Show this help message
  .exit                          - Exit the program
  .stats                         - Show operation statistics

  NEW [slot_width layers cap]    - Create a builder (defaults from configuration)
  BUILDERS                       - List open builders
  UPDATE h key value             - Append a token to builder h
  QUERY h slot                   - Show slot of builder h
  SPLIT h child slot             - Move slot of builder h into builder child
  BITMAP h                       - Show the slot bitmap of builder h
  DUMP h                         - Dump every slot of builder h
  SEAL h                         - Seal builder h and publish it
  DISCARD h                      - Release builder h without publishing

  MAKE id                        - Open a builder from a published block
  FETCH id                       - Dump a published block
  DELETE id                      - Delete a published block
  LIST                           - List blocks in the local store
`

var errUsage = errors.New("usage")

// session is the shell state: the node and the builders opened from it
type session struct {
	node     *Node
	out      io.Writer
	builders map[int]*kvblock.Builder
	next     int
}

func newSession(n *Node, out io.Writer) *session {
	return &session{
		node:     n,
		out:      out,
		builders: make(map[int]*kvblock.Builder),
		next:     1,
	}
}

// runInteractive starts the shell. The local store is also served when a listen
// address was given on the command line.
func runInteractive(n *Node) error {
	fmt.Printf("kvblock instance %d (%s store)\n", n.cfg.InstanceID, n.cfg.StoreBackend)
	fmt.Println("Enter .help for usage hints.")

	if n.flags.ListenAddr != "" {
		server, stop, err := startServer(n)
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		defer stop()
		fmt.Printf("Serving local store on %s\n", server.Addr())
	}

	historyFile := filepath.Join(os.TempDir(), ".kvblock_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kvblock> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	s := newSession(n, rl.Stdout())
	defer s.close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		exit, err := s.execute(line)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %s\n", err)
		}
		if exit {
			fmt.Println("Goodbye!")
			return nil
		}
	}
	return nil
}

// close discards every builder that was never sealed
func (s *session) close() {
	for h, b := range s.builders {
		b.Discard()
		delete(s.builders, h)
	}
}

// execute runs one shell line and reports whether the shell should exit
func (s *session) execute(line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]
	ctx := context.Background()

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(s.out, helpText)
		case ".exit":
			return true, nil
		case ".stats":
			s.printStats()
		default:
			return false, fmt.Errorf("unknown command %s", parts[0])
		}
		return false, nil
	}

	var err error
	switch cmd {
	case "NEW":
		err = s.newBuilder(args)
	case "BUILDERS":
		s.listBuilders()
	case "UPDATE":
		err = s.update(args)
	case "QUERY":
		err = s.query(args)
	case "SPLIT":
		err = s.split(args)
	case "BITMAP":
		err = s.withBuilder(args, 1, func(b *kvblock.Builder) error {
			fmt.Fprintln(s.out, b.BitmapString())
			return nil
		})
	case "DUMP":
		err = s.withBuilder(args, 1, func(b *kvblock.Builder) error {
			return b.Dump(s.out)
		})
	case "SEAL":
		err = s.seal(ctx, args)
	case "DISCARD":
		err = s.discard(args)
	case "MAKE":
		err = s.makeBuilder(ctx, args)
	case "FETCH":
		err = s.fetch(ctx, args)
	case "DELETE":
		err = s.deleteObject(ctx, args)
	case "LIST":
		err = s.list(ctx)
	default:
		err = fmt.Errorf("unknown command %s", parts[0])
	}

	if errors.Is(err, errUsage) {
		err = fmt.Errorf("%v, see .help", err)
	}
	return false, err
}

func (s *session) add(b *kvblock.Builder) int {
	h := s.next
	s.next++
	s.builders[h] = b
	return h
}

func (s *session) builder(arg string) (int, *kvblock.Builder, error) {
	h, err := strconv.Atoi(arg)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid builder handle %q", arg)
	}
	b, ok := s.builders[h]
	if !ok {
		return 0, nil, fmt.Errorf("no builder with handle %d", h)
	}
	return h, b, nil
}

// withBuilder runs fn on the builder named by args[0] after checking the arity
func (s *session) withBuilder(args []string, n int, fn func(*kvblock.Builder) error) error {
	if len(args) != n {
		return fmt.Errorf("%w: expected %d argument(s)", errUsage, n)
	}
	_, b, err := s.builder(args[0])
	if err != nil {
		return err
	}
	return fn(b)
}

func (s *session) newBuilder(args []string) error {
	slotWidth, layers, capacity := s.node.cfg.SlotWidth, s.node.cfg.Layers, s.node.cfg.BlockCapacity
	switch len(args) {
	case 0:
	case 3:
		dims := make([]int, 3)
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid dimension %q", a)
			}
			dims[i] = v
		}
		slotWidth, layers, capacity = dims[0], dims[1], dims[2]
	default:
		return fmt.Errorf("%w: NEW takes no arguments or slot_width layers capacity", errUsage)
	}

	b, err := kvblock.NewBuilder(s.node.alloc, slotWidth, layers, capacity, s.node.builder...)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "builder %d: slot_width=%d layers=%d capacity=%d\n", s.add(b), slotWidth, layers, capacity)
	return nil
}

func (s *session) listBuilders() {
	if len(s.builders) == 0 {
		fmt.Fprintln(s.out, "No open builders")
		return
	}
	handles := make([]int, 0, len(s.builders))
	for h := range s.builders {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	for _, h := range handles {
		b := s.builders[h]
		fmt.Fprintf(s.out, "%d: %d/%d slots used, bitmap %s\n", h, b.Used(), b.Capacity(), b.BitmapString())
	}
}

// pad returns text as a zero padded slot
func pad(text string, width int) ([]byte, error) {
	if len(text) > width {
		return nil, fmt.Errorf("%q is longer than the slot width %d", text, width)
	}
	slot := make([]byte, width)
	copy(slot, text)
	return slot, nil
}

func (s *session) update(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: UPDATE h key value", errUsage)
	}
	_, b, err := s.builder(args[0])
	if err != nil {
		return err
	}
	key, err := pad(args[1], b.SlotWidth())
	if err != nil {
		return err
	}
	value, err := pad(args[2], b.SlotWidth())
	if err != nil {
		return err
	}

	kv := make([]kvblock.KV, b.Layers())
	for l := range kv {
		kv[l] = kvblock.KV{Key: key, Value: value}
	}
	index, err := b.Update(kv)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "slot %d\n", index)
	return nil
}

func (s *session) query(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: QUERY h slot", errUsage)
	}
	_, b, err := s.builder(args[0])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid slot %q", args[1])
	}

	kv := make([]kvblock.KV, b.Layers())
	if err := b.Query(index, kv); err != nil {
		return err
	}
	state := "used"
	if b.IsFree(index) {
		state = "free"
	}
	fmt.Fprintf(s.out, "slot %d (%s)\n", index, state)
	for l, p := range kv {
		fmt.Fprintf(s.out, "  layer %d key: %q value: %q\n", l, trimSlot(p.Key), trimSlot(p.Value))
	}
	return nil
}

func trimSlot(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func (s *session) split(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: SPLIT h child slot", errUsage)
	}
	_, b, err := s.builder(args[0])
	if err != nil {
		return err
	}
	_, child, err := s.builder(args[1])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid slot %q", args[2])
	}

	childIndex, err := b.Split(child, index)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "moved slot %d to child slot %d\n", index, childIndex)
	return nil
}

func (s *session) seal(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: SEAL h", errUsage)
	}
	h, b, err := s.builder(args[0])
	if err != nil {
		return err
	}

	blk, err := b.Seal(ctx, s.node.store)
	// a sealed builder can no longer be used even when publishing failed
	delete(s.builders, h)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "sealed as %s (%d/%d slots used)\n", blk.ID(), blk.Used(), blk.Capacity())
	return nil
}

func (s *session) discard(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: DISCARD h", errUsage)
	}
	h, b, err := s.builder(args[0])
	if err != nil {
		return err
	}
	b.Discard()
	delete(s.builders, h)
	fmt.Fprintf(s.out, "builder %d discarded\n", h)
	return nil
}

func parseID(args []string, usage string) (objstore.ObjectID, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: %s", errUsage, usage)
	}
	return objstore.ParseObjectID(args[0])
}

func (s *session) makeBuilder(ctx context.Context, args []string) error {
	id, err := parseID(args, "MAKE id")
	if err != nil {
		return err
	}
	b, err := kvblock.MakeBuilder(ctx, s.node.store, s.node.alloc, id, s.node.builder...)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "builder %d: from %s, %d/%d slots used\n", s.add(b), id, b.Used(), b.Capacity())
	return nil
}

func (s *session) fetch(ctx context.Context, args []string) error {
	id, err := parseID(args, "FETCH id")
	if err != nil {
		return err
	}
	obj, err := s.node.store.FetchObject(ctx, id)
	if err != nil {
		return err
	}
	if obj.ID != id {
		// a replica pulled from a peer is only kept while it is being read
		defer func() {
			if err := s.node.local.DeleteObject(ctx, obj.ID); err != nil {
				s.node.logger.Warn("Failed to delete replica %s: %v", obj.ID, err)
			}
		}()
	}
	blk, err := kvblock.FromObject(obj)
	if err != nil {
		return err
	}
	return blk.Dump(s.out)
}

func (s *session) deleteObject(ctx context.Context, args []string) error {
	id, err := parseID(args, "DELETE id")
	if err != nil {
		return err
	}
	if err := s.node.store.DeleteObject(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %s\n", id)
	return nil
}

func (s *session) list(ctx context.Context) error {
	lister, ok := s.node.local.(objstore.Lister)
	if !ok {
		return fmt.Errorf("%s store cannot list objects", s.node.cfg.StoreBackend)
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(s.out, "No objects")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(s.out, id)
	}
	return nil
}

func (s *session) printStats() {
	st := s.node.stats.GetStats()

	getUint64 := func(m map[string]interface{}, key string) uint64 {
		if v, ok := m[key].(uint64); ok {
			return v
		}
		return 0
	}

	fmt.Fprintln(s.out, "Operations:")
	for _, op := range []string{"update", "query", "split", "seal", "create", "fetch", "delete"} {
		line := fmt.Sprintf("  %-7s %d", op, getUint64(st, op+"_ops"))
		if lat, ok := st[op+"_latency"].(map[string]interface{}); ok {
			if avg, ok := lat["avg_ns"].(uint64); ok {
				line += fmt.Sprintf(" (avg %s)", time.Duration(avg))
			}
		}
		fmt.Fprintln(s.out, line)
	}

	fmt.Fprintln(s.out, "Slots:")
	fmt.Fprintf(s.out, "  allocated %d\n", getUint64(st, "slots_allocated"))
	fmt.Fprintf(s.out, "  released  %d\n", getUint64(st, "slots_released"))
	fmt.Fprintf(s.out, "  tensor bytes in use %d\n", getUint64(st, "tensor_bytes"))

	fmt.Fprintln(s.out, "Storage:")
	fmt.Fprintf(s.out, "  bytes read    %d\n", getUint64(st, "total_bytes_read"))
	fmt.Fprintf(s.out, "  bytes written %d\n", getUint64(st, "total_bytes_written"))

	if errs, ok := st["errors"].(map[string]uint64); ok && len(errs) > 0 {
		names := make([]string, 0, len(errs))
		for name := range errs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(s.out, "Errors:")
		for _, name := range names {
			fmt.Fprintf(s.out, "  %s %d\n", name, errs[name])
		}
	}

	if rec, ok := st["recovery"].(map[string]interface{}); ok {
		fmt.Fprintln(s.out, "Recovery:")
		fmt.Fprintf(s.out, "  objects recovered %d\n", getUint64(rec, "objects_recovered"))
		fmt.Fprintf(s.out, "  corrupted objects %d\n", getUint64(rec, "corrupted_objects"))
		if ms, ok := rec["recovery_duration_ms"].(int64); ok {
			fmt.Fprintf(s.out, "  duration %d ms\n", ms)
		}
	}
}
