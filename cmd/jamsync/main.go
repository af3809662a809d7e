// JamSync — CLI entry point.
//
// One process plays one role: a player broadcasts a captured tab to every
// listener in its room, a listener scans the room, picks a player and
// follows its stream, and the broker grants peer identities and relays
// WebRTC negotiation between them.
//
// It can be launched interactively (no flags) or non-interactively via
// flags (--role, --name, --room, --signal, ...).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/jamsync/internal/capture"
	"github.com/1ureka/jamsync/internal/config"
	"github.com/1ureka/jamsync/internal/discovery"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/remote"
	"github.com/1ureka/jamsync/internal/room"
	"github.com/1ureka/jamsync/internal/session"
	"github.com/1ureka/jamsync/internal/signaling"
	"github.com/1ureka/jamsync/internal/storage"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/transport/loopback"
	"github.com/1ureka/jamsync/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fs := pflag.NewFlagSet("jamsync", pflag.ExitOnError)
	role := fs.String("role", "", "Role: player, listener or broker")
	name := fs.String("name", "", "Display name")
	roomCode := fs.String("room", "", "Room code (default: derived from this machine's network identity)")
	signalURL := fs.String("signal", "", "Broker websocket URL")
	listen := fs.String("listen", "", "Broker listen address (broker only)")
	tab := fs.Int("tab", 0, "Tab to broadcast first (player only)")
	tabs := fs.String("tabs", "", "Capture catalog, e.g. tone:220:Lofi Radio,file:mix.raw:Mix")
	dbPath := fs.String("db", "", "Session snapshot database")
	configPath := fs.String("config", "", "Config file (yaml, json or toml)")
	local := fs.Bool("local", false, "Run a player and a listener in this process over an in-memory transport")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override file and environment.
	if fs.Changed("role") {
		cfg.Role = config.Role(*role)
	}
	if fs.Changed("name") {
		cfg.Name = *name
	}
	if fs.Changed("room") {
		cfg.Room = *roomCode
	}
	if fs.Changed("signal") {
		cfg.SignalURL = *signalURL
	}
	if fs.Changed("listen") {
		cfg.BrokerAddr = *listen
	}
	if fs.Changed("tab") {
		cfg.Tab = *tab
	}
	if fs.Changed("tabs") {
		cfg.Tabs = *tabs
	}
	if fs.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if fs.Changed("local") {
		cfg.Local = *local
	}
	if fs.Changed("debug") {
		cfg.Debug = *debugMode
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("JamSync — v%s", version))
	pterm.Println()

	if cfg.Local {
		runLocal(ctx, cfg)
		return
	}

	switch cfg.Role {
	case "":
		// No --role flag → interactive mode.
		runInteractive(ctx, cfg)
	case config.RoleBroker:
		runBroker(ctx, cfg)
	case config.RolePlayer:
		runPlayer(ctx, cfg, signaling.NewProvider(cfg.SignalURL, cfg.STUNServers))
	case config.RoleListener:
		runListener(ctx, cfg, signaling.NewProvider(cfg.SignalURL, cfg.STUNServers))
	}

	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runInteractive(ctx context.Context, cfg config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Player   — Broadcast a tab to the room",
			"Listener — Join a player in the room",
			"Broker   — Run the identity broker",
		}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Player"):
		if cfg.Name == "" {
			cfg.Name = askText("Your display name", "Player")
		}
		runPlayer(ctx, cfg, signaling.NewProvider(cfg.SignalURL, cfg.STUNServers))
	case strings.HasPrefix(choice, "Listener"):
		if cfg.Name == "" {
			cfg.Name = askText("Your display name", "Listener")
		}
		runListener(ctx, cfg, signaling.NewProvider(cfg.SignalURL, cfg.STUNServers))
	default:
		runBroker(ctx, cfg)
	}
}

func runBroker(ctx context.Context, cfg config.Config) {
	srv := signaling.NewServer()
	addr, err := srv.Start(cfg.BrokerAddr)
	if err != nil {
		util.LogError("failed to start broker: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.StartStatsReporter(ctx, 0)
	util.LogSuccess("broker listening on ws://%s/ws", addr)
	<-ctx.Done()
}

func runPlayer(ctx context.Context, cfg config.Config, provider transport.Provider) {
	deps, cleanup, err := buildDeps(cfg, provider)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer cleanup()

	ctrl := session.NewController(cfg, deps)
	defer ctrl.Close()
	showLastSnapshot(ctx, ctrl)

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go printEvents(events, cfg.Debug)

	roomID := resolveRoom(cfg.Room)
	name := defaultName(cfg.Name, "Player")
	if err := ctrl.StartPlayer(ctx, session.PlayerOptions{Name: name, RoomID: roomID, TabID: cfg.Tab}); err != nil {
		util.LogError("failed to start broadcasting: %v", err)
		os.Exit(1)
	}
	player, err := ctrl.Player()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Requests from listeners that change the track update the title.
	if rc, ok := deps.Remote.(*remote.Local); ok {
		rc.OnChange(func(t capture.Tab) {
			if t.Active {
				player.SetNowPlaying(session.NowPlayingText(t))
			}
		})
	}

	util.StartStatsReporter(ctx, 0)
	pterm.Info.Printfln("Room %s — type to chat, /help for commands", roomID)
	readCommands(ctx, func(cmd, arg string) bool {
		return playerCommand(ctx, ctrl, player, deps.Remote, cmd, arg)
	})
}

func runListener(ctx context.Context, cfg config.Config, provider transport.Provider) {
	deps, cleanup, err := buildDeps(cfg, provider)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer cleanup()

	ctrl := session.NewController(cfg, deps)
	defer ctrl.Close()
	showLastSnapshot(ctx, ctrl)

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go printEvents(events, cfg.Debug)

	roomID := resolveRoom(cfg.Room)
	name := defaultName(cfg.Name, "Listener")
	if !joinRoom(ctx, ctrl, roomID, name, true) {
		return
	}

	util.StartStatsReporter(ctx, 0)
	readCommands(ctx, func(cmd, arg string) bool {
		return listenerCommand(ctrl, cmd, arg)
	})
}

// runLocal runs a player and a listener over one in-memory network. It
// exercises the whole session core without a broker or real WebRTC.
func runLocal(ctx context.Context, cfg config.Config) {
	network := loopback.NewNetwork(loopback.WithLatency(5 * time.Millisecond))
	roomID := resolveRoom(cfg.Room)

	pdeps, pcleanup, err := buildDeps(cfg, network)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer pcleanup()
	pctrl := session.NewController(cfg, pdeps)
	defer pctrl.Close()

	pev, punsub := pctrl.Subscribe()
	defer punsub()
	go printEvents(pev, false)

	if err := pctrl.StartPlayer(ctx, session.PlayerOptions{Name: "Local Player", RoomID: roomID, TabID: cfg.Tab}); err != nil {
		util.LogError("failed to start player: %v", err)
		os.Exit(1)
	}

	// The listener shares the network but keeps no snapshot of its own.
	lcfg := cfg
	lcfg.DBPath = ""
	ldeps, lcleanup, err := buildDeps(lcfg, network)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer lcleanup()
	lctrl := session.NewController(lcfg, ldeps)
	defer lctrl.Close()

	lev, lunsub := lctrl.Subscribe()
	defer lunsub()
	go printEvents(lev, cfg.Debug)

	if !joinRoom(ctx, lctrl, roomID, defaultName(cfg.Name, "Local Listener"), false) {
		return
	}
	readCommands(ctx, func(cmd, arg string) bool {
		return listenerCommand(lctrl, cmd, arg)
	})
}

// joinRoom scans roomID and connects to a player, asking the user to pick
// one when interactive is set and several answered.
func joinRoom(ctx context.Context, ctrl *session.Controller, roomID, name string, interactive bool) bool {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Scanning room %s...", roomID))
	players, err := ctrl.StartScan(ctx, session.ScanOptions{RoomID: roomID, Name: name})
	if err != nil {
		spinner.Fail(err.Error())
		return false
	}
	spinner.Success(fmt.Sprintf("Found %d player(s)", len(players)))

	target := players[0]
	if interactive && len(players) > 1 {
		options := make([]string, len(players))
		for i, p := range players {
			options[i] = describePlayer(p)
		}
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select a player").
			Show()
		for i, opt := range options {
			if opt == choice {
				target = players[i]
			}
		}
		pterm.Println()
	}

	util.LogInfo("connecting to %s", describePlayer(target))
	if err := ctrl.SelectPlayer(ctx, target.PeerID); err != nil {
		util.LogError("failed to join %s: %v", target.Name, err)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

const helpText = `commands:
  <text>            send a chat message
  /react <emoji>    send a reaction
  /control <ACTION> PLAY, PAUSE, TOGGLE, NEXT or PREV (listener)
  /tabs             list the player's tabs
  /switch <tabId>   switch tab (player) or ask the player to (listener)
  /search <query>   ask the player to find a song (listener)
  /np <title>       set the now playing title (player)
  /mute, /unmute    local output only
  /volume <0-100>   playback volume (listener)
  /state            show the session state
  /quit             leave`

func playerCommand(ctx context.Context, ctrl *session.Controller, p *session.Player, rc remote.Controller, cmd, arg string) bool {
	var err error
	switch cmd {
	case "":
		err = p.SendChat(arg)
	case "/react":
		err = p.SendReaction(defaultName(arg, "🔥"))
	case "/tabs":
		var tabs []protocol.MusicTab
		if tabs, err = rc.MusicTabs(ctx); err == nil {
			err = p.PublishMusicTabs(tabs)
		}
	case "/switch":
		var id int
		if id, err = strconv.Atoi(arg); err == nil {
			err = p.SwitchTab(ctx, id)
		}
	case "/np":
		err = p.SetNowPlaying(arg)
	case "/mute", "/unmute":
		err = p.SetLocalMute(cmd == "/mute")
	case "/state":
		pterm.Println(spew.Sdump(ctrl.State()))
	case "/help":
		pterm.Println(helpText)
	case "/quit":
		return false
	default:
		util.LogWarning("unknown command %s (try /help)", cmd)
	}
	if err != nil {
		util.LogWarning("%s: %v", defaultName(cmd, "chat"), err)
	}
	return true
}

func listenerCommand(ctrl *session.Controller, cmd, arg string) bool {
	l, err := ctrl.Listener()
	if err != nil {
		util.LogError("%v", err)
		return false
	}

	switch cmd {
	case "":
		err = l.SendChat(arg)
	case "/react":
		err = l.SendReaction(defaultName(arg, "🔥"))
	case "/control":
		err = l.SendControl(protocol.Action(strings.ToUpper(arg)))
	case "/tabs":
		err = l.RequestMusicTabs()
	case "/switch":
		var id int
		if id, err = strconv.Atoi(arg); err == nil {
			err = l.RequestTabSwitch(id)
		}
	case "/search":
		err = l.Search(arg)
	case "/mute", "/unmute":
		err = l.SetLocalMute(cmd == "/mute")
	case "/volume":
		var v int
		if v, err = strconv.Atoi(arg); err == nil {
			err = l.SetVolume(v)
		}
	case "/state":
		pterm.Println(spew.Sdump(l.State()))
	case "/help":
		pterm.Println(helpText)
	case "/quit":
		return false
	default:
		util.LogWarning("unknown command %s (try /help)", cmd)
	}
	if err != nil {
		util.LogWarning("%s: %v", defaultName(cmd, "chat"), err)
	}
	return l.State().Phase != session.PhaseDisconnected
}

// ---------------------------------------------------------------------------
// Event output
// ---------------------------------------------------------------------------

func printEvents(events <-chan session.Event, debug bool) {
	var last session.State
	for ev := range events {
		switch ev.Kind {
		case session.EventState:
			st := ev.State
			reportChanges(last, st)
			if debug {
				util.LogDebug("state:\n%s", spew.Sdump(st))
			}
			last = st
		case session.EventChat:
			pterm.Printfln("%s %s", pterm.Cyan(ev.Chat.Sender+":"), ev.Chat.Text)
		case session.EventReaction:
			pterm.Printfln("%s %s", pterm.Cyan(ev.Reaction.Sender), ev.Reaction.Emoji)
		case session.EventTabSwitchRequest:
			util.LogWarning("%s asks to switch to tab %d (/switch %d to accept)",
				ev.TabSwitch.Sender, ev.TabSwitch.TabID, ev.TabSwitch.TabID)
		case session.EventMusicTabs:
			printMusicTabs(ev.Tabs)
		case session.EventError:
			util.LogError("%v", ev.Err)
		}
	}
}

func reportChanges(prev, st session.State) {
	if st.Mode == session.ModePlayer && st.Phase == session.PhaseBroadcasting && prev.Phase != st.Phase {
		util.LogSuccess("broadcasting in room %s on slot %d (%s)", st.RoomID, st.Slot, st.PeerID)
	}
	if st.Mode == session.ModeListener {
		if st.Audio != prev.Audio && st.Audio != "" {
			util.LogInfo("audio: %s", st.Audio)
		}
		if st.Phase == session.PhaseReconnecting && st.Attempt != prev.Attempt && st.Attempt > 0 {
			util.LogWarning("reconnecting (attempt %d)", st.Attempt)
		}
	}
	if st.NowPlaying != prev.NowPlaying && st.NowPlaying != "" {
		util.LogInfo("now playing: %s", st.NowPlaying)
	}
}

func printMusicTabs(tabs []protocol.MusicTab) {
	data := pterm.TableData{{"Tab", "Title", "Track", "Playing", "Active"}}
	for _, t := range tabs {
		track := t.TrackName
		if t.ArtistName != "" {
			track = t.ArtistName + " - " + t.TrackName
		}
		data = append(data, []string{
			strconv.Itoa(t.TabID), t.Title, track,
			strconv.FormatBool(t.IsPlaying), strconv.FormatBool(t.IsActive),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// buildDeps assembles the collaborators shared by every session.
func buildDeps(cfg config.Config, provider transport.Provider) (session.Deps, func(), error) {
	cat, err := capture.ParseCatalog(cfg.Tabs)
	if err != nil {
		return session.Deps{}, nil, fmt.Errorf("invalid tab catalog: %w", err)
	}

	deps := session.Deps{
		Provider: provider,
		Capturer: cat,
		Remote:   remote.NewLocal(cat),
		Sink:     &relay.Meter{},
	}
	cleanup := func() {}

	if cfg.DBPath != "" {
		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			util.LogWarning("session snapshots disabled: %v", err)
		} else {
			deps.Store = store
			cleanup = func() { store.Close() }
		}
	}
	return deps, cleanup, nil
}

func showLastSnapshot(ctx context.Context, ctrl *session.Controller) {
	st, at, err := ctrl.LastSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			util.LogDebug("no previous session: %v", err)
		}
		return
	}
	if st.Mode == session.ModeIdle {
		return
	}
	util.LogInfo("last session (%s ago): %s in room %s", time.Since(at).Round(time.Second), st.Mode, st.RoomID)
}

// resolveRoom normalizes a typed code or derives one from this machine's
// outbound address.
func resolveRoom(code string) string {
	if code != "" {
		code = room.NormalizeCode(code)
		if !room.ValidCode(code) {
			util.LogError("invalid room code %q", code)
			os.Exit(1)
		}
		return code
	}
	return room.DeriveRoomID(outboundIdentity())
}

// outboundIdentity returns the local address used for outbound traffic.
// No packet is sent.
func outboundIdentity() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		host, _ := os.Hostname()
		return host
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func describePlayer(p discovery.PlayerSummary) string {
	return fmt.Sprintf("%s — %s (%d listening, slot %d)", p.Name, p.NowPlaying, p.ListenerCount, p.Slot)
}

// readCommands feeds stdin lines to handle until it returns false, stdin
// ends or ctx is cancelled.
func readCommands(ctx context.Context, handle func(cmd, arg string) bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cmd, arg := "", line
			if strings.HasPrefix(line, "/") {
				cmd, arg, _ = strings.Cut(line, " ")
				arg = strings.TrimSpace(arg)
			}
			if !handle(cmd, arg) {
				return
			}
		}
	}
}

// askText prompts for a non-empty value, falling back to def.
func askText(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("%s (default %s)", prompt, def)).
		Show()
	pterm.Println()
	return defaultName(strings.TrimSpace(raw), def)
}

func defaultName(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
