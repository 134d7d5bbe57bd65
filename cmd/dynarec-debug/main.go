package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"

	"dynarec/pkg/cpu"
	"dynarec/pkg/net"
)

const usage = `usage: dynarec-debug -addr host:port -key hex <command> [args]

commands:
  regs                  print the register file
  read <addr> <size>    dump guest memory
  write <addr> <hex>    store bytes
  break <addr>          set a breakpoint
  unbreak <addr>        remove a breakpoint
  step                  execute one instruction of a paused machine
  continue              resume execution
  pause                 stop execution
  profile               print the block profile
  clear                 discard translated code
  stats                 print recompiler counters
  save <name>           write a savestate
  load <id>             restore a savestate
`

func main() {
	addr := flag.String("addr", "127.0.0.1:7070", "Debug server address")
	key := flag.String("key", "", "Hex Ed25519 public key logged by the server")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*addr, *key, *timeout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "dynarec-debug: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, keyHex string, timeout time.Duration, args []string) error {
	var serverKey ed25519.PublicKey
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return errors.Newf("invalid server key %q", keyHex)
		}
		serverKey = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := net.Dial(ctx, addr, serverKey)
	if err != nil {
		return err
	}
	defer client.Close()

	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) != n {
			return errors.Newf("%s takes %d arguments", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "regs", "step", "pause":
		if err := need(0); err != nil {
			return err
		}
		var state cpu.State
		switch cmd {
		case "regs":
			state, err = client.Registers(ctx)
		case "step":
			state, err = client.Step(ctx)
		case "pause":
			state, err = client.Pause(ctx)
		}
		if err != nil {
			return err
		}
		printRegisters(&state)
	case "read":
		if err := need(2); err != nil {
			return err
		}
		a, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		size, err := parseAddr(args[1])
		if err != nil {
			return err
		}
		data, err := client.ReadMemory(ctx, a, size)
		if err != nil {
			return err
		}
		fmt.Print(hex.Dump(data))
	case "write":
		if err := need(2); err != nil {
			return err
		}
		a, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return errors.Wrap(err, "data")
		}
		return client.WriteMemory(ctx, a, data)
	case "break", "unbreak":
		if err := need(1); err != nil {
			return err
		}
		a, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		var bps []uint32
		if cmd == "break" {
			bps, err = client.Break(ctx, a)
		} else {
			bps, err = client.Unbreak(ctx, a)
		}
		if err != nil {
			return err
		}
		for _, bp := range bps {
			fmt.Printf("0x%08x\n", bp)
		}
	case "continue":
		return client.Continue(ctx)
	case "clear":
		return client.ClearCache(ctx)
	case "profile":
		profile, err := client.Profile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %6s %6s %12s %14s\n", "start", "insts", "cycles", "runs", "total")
		for _, p := range profile {
			fmt.Printf("0x%08x %6d %6d %12d %14d\n", p.Start, p.Instructions, p.Cycles, p.Runs, p.TotalCycles())
		}
	case "stats":
		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "save":
		if err := need(1); err != nil {
			return err
		}
		id, err := client.SaveState(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
	case "load":
		if err := need(1); err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrap(err, "savestate id")
		}
		return client.LoadState(ctx, id)
	default:
		return errors.Newf("unknown command %q", cmd)
	}
	return nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "address %q", s)
	}
	return uint32(v), nil
}

func printRegisters(s *cpu.State) {
	var b strings.Builder
	for i := range cpu.NumSlots {
		fmt.Fprintf(&b, "%-10s %08x", cpu.SlotName(i), s.Regs[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteString("   ")
		}
	}
	if cpu.NumSlots%4 != 0 {
		b.WriteByte('\n')
	}
	for i, f := range s.FPR {
		fmt.Fprintf(&b, "f%-9d %-22g", i, f)
		if i%4 == 3 {
			b.WriteByte('\n')
		}
	}
	fmt.Print(b.String())
}
