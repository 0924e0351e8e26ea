package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Config holds runtime configuration
type Config struct {
	View      bool
	DeviceID  string
	Mailbox   string
	Token     string
	Initiator string
	Codec     string

	// Media sources for broadcast mode
	IVF string
	Ogg string
	// Out is the IVF file view mode records to
	Out string

	// Plain disables the TUI and logs to stderr
	Plain bool
	Save  bool
	Help  bool

	// TURN server configuration
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool // Force TURN relay (no direct P2P)
	ICEURL     string

	// set records which flags were given explicitly
	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (Config, error) {
	config := Config{}
	fs := flag.NewFlagSet("peepcam", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() { printHelp(output) }

	fs.BoolVar(&config.View, "view", false, "Watch a device instead of broadcasting")
	fs.BoolVar(&config.View, "v", false, "Watch a device (shorthand)")

	fs.StringVar(&config.DeviceID, "device", "", "Device code, e.g. MOSSY-SHED-07")
	fs.StringVar(&config.DeviceID, "d", "", "Device code (shorthand)")

	fs.StringVar(&config.Mailbox, "mailbox", "", "Mailbox URL (memory:, sqlite://, redis://, https://)")
	fs.StringVar(&config.Mailbox, "m", "", "Mailbox URL (shorthand)")

	fs.StringVar(&config.Token, "token", "", "Bearer token for a mailbox server")
	fs.StringVar(&config.Initiator, "initiator", "", "Which side offers: broadcaster or viewer")
	fs.StringVar(&config.Codec, "codec", "", "Video codec of the --ivf file (vp8|vp9)")

	fs.StringVar(&config.IVF, "ivf", "", "IVF video file to broadcast")
	fs.StringVar(&config.Ogg, "ogg", "", "Ogg/Opus audio file to broadcast")
	fs.StringVar(&config.Out, "out", "", "Record received video to this IVF file (view mode)")
	fs.StringVar(&config.Out, "o", "", "Record received video (shorthand)")

	fs.BoolVar(&config.Plain, "plain", false, "Disable the TUI and log to stderr")
	fs.BoolVar(&config.Save, "save", false, "Save device, mailbox and network options as defaults")

	// TURN server flags
	fs.StringVar(&config.TURNServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	fs.StringVar(&config.TURNUser, "turn-user", "", "TURN server username")
	fs.StringVar(&config.TURNPass, "turn-pass", "", "TURN server password")
	fs.BoolVar(&config.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")
	fs.StringVar(&config.ICEURL, "ice-url", "", "ICE credential service URL")

	fs.BoolVar(&config.Help, "help", false, "Show help")
	fs.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}
	if fs.NArg() > 0 {
		return config, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	config.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		config.set[canonicalFlag(f.Name)] = true
	})
	return config, nil
}

// canonicalFlag maps shorthands to their long names
func canonicalFlag(name string) string {
	switch name {
	case "v":
		return "view"
	case "d":
		return "device"
	case "m":
		return "mailbox"
	case "o":
		return "out"
	case "h":
		return "help"
	}
	return name
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `peepcam - P2P camera feed over a shared mailbox

Usage: peepcam [options]

By default peepcam broadcasts the given media files under this machine's
device code. With --view it connects to a device and records what it sends.

Options:
  --device, -d <code>    Device code (default: saved or generated)
  --mailbox, -m <url>    Mailbox to signal through:
                           memory:                 this process only
                           sqlite:///path/to.db    shared SQLite file
                           redis://host:6379/0     Redis
                           https://signal.host     mailbox server
  --token <jwt>          Bearer token for a mailbox server
  --initiator <side>     Which side creates the offer: broadcaster, viewer
  --save                 Save device, mailbox and network options as defaults
  --plain                Disable the TUI and log to stderr
  --help, -h             Show help

Broadcast Options:
  --ivf <file>           IVF video file (looped)
  --ogg <file>           Ogg/Opus audio file (looped)
  --codec <name>         Codec of the IVF file: vp8, vp9 (default: vp8)

View Options:
  --view, -v             Watch a device instead of broadcasting
  --out, -o <file>       Record received video to an IVF file

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)
  --ice-url <url>        Fetch ICE servers from a credential service

Examples:
  peepcam --ivf cam.ivf --ogg mic.ogg
  peepcam -m redis://localhost:6379/0 --ivf cam.ivf --save
  peepcam --view -d MOSSY-SHED-07 -o recording.ivf

TUI Controls:
  r             Restart broadcast
  q             Quit`)
}

func main() {
	config, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if config.Help {
		printHelp(os.Stdout)
		return
	}

	if err := resolveConfig(&config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.View {
		err = runView(ctx, config)
	} else if config.Plain {
		err = runPlain(ctx, config)
	} else {
		err = RunTUI(ctx, config)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
