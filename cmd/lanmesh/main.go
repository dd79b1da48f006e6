// Lanmesh — CLI entry point.
//
// This tool turns a LAN into a serverless meeting space: rooms are
// announced over multicast, negotiation messages travel through the
// hosting instance's relay, and media links run peer to peer. No
// infrastructure beyond the hosts themselves.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-name, -host, -join, -port).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/lanmesh/internal/app"
	"github.com/1ureka/lanmesh/internal/config"
	"github.com/1ureka/lanmesh/internal/discovery"
	"github.com/1ureka/lanmesh/internal/presence"
	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	name := flag.String("name", "", "Display name announced on the LAN")
	hostRoom := flag.String("host", "", "Host a room with the given name")
	joinRoom := flag.String("join", "", "Join the room with the given id")
	port := flag.Int("port", 0, "Relay port when hosting (0 = random)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Lanmesh — v%s", version))
	pterm.Println()

	if *hostRoom != "" && *joinRoom != "" {
		util.LogError("-host and -join are mutually exclusive")
		os.Exit(1)
	}

	cfg := config.Config{
		PeerName:  strings.TrimSpace(*name),
		RoomName:  *hostRoom,
		RoomID:    *joinRoom,
		RelayPort: *port,
	}
	switch {
	case *hostRoom != "":
		cfg.Role = config.RoleHost
	case *joinRoom != "":
		cfg.Role = config.RoleJoin
	}
	if cfg.PeerName == "" {
		hostname, _ := os.Hostname()
		cfg.PeerName = hostname
	}

	ctrl, err := app.New(cfg.PeerName)
	if err != nil {
		util.LogError("failed to start: %v", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	ctrl.OnInvitation(func(inv wire.Invitation) {
		util.LogInfo("invited to %q by %s — join with: lanmesh -join %s", inv.RoomName, inv.FromPeerName, inv.RoomID)
	})
	ctrl.Start()

	switch cfg.Role {
	case config.RoleHost:
		runHost(ctx, ctrl, cfg.RoomName, cfg.RelayPort)
	case config.RoleJoin:
		runJoin(ctx, ctrl, cfg.RoomID)
	default:
		runInteractive(ctx, ctrl)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runHost creates a room and keeps it open until interrupted.
func runHost(ctx context.Context, ctrl *app.Controller, roomName string, port int) {
	desc, err := ctrl.StartHosting(ctx, roomName, port)
	if err != nil {
		util.LogError("failed to host room: %v", err)
		os.Exit(1)
	}
	defer ctrl.StopHosting()

	pterm.Println()
	pterm.Println(fmt.Sprintf("  Room    : %s", desc.RoomName))
	pterm.Println(fmt.Sprintf("  Room id : %s", desc.RoomID))
	pterm.Println(fmt.Sprintf("  Relay   : %s:%d", desc.HostAddress, desc.RelayPort))
	pterm.Println()
	util.LogInfo("room is open — waiting for peers, Ctrl+C to end")

	<-ctx.Done()
	util.LogInfo("closing room")
}

// runJoin waits for the room to appear in the directory, then joins it.
func runJoin(ctx context.Context, ctrl *app.Controller, roomID string) {
	util.LogInfo("looking for room %s ...", roomID)

	room, err := waitForRoom(ctx, ctrl, roomID)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := ctrl.JoinRoom(ctx, room.RoomID, room.RoomName, room.HostAddress, room.RelayPort); err != nil {
		util.LogError("failed to join room: %v", err)
		os.Exit(1)
	}
	defer ctrl.LeaveRoom()

	util.LogInfo("joined %q — Ctrl+C to leave", room.RoomName)
	<-ctx.Done()
}

// runInteractive falls back to interactive prompts when no mode flag is
// provided.
func runInteractive(ctx context.Context, ctrl *app.Controller) {
	action, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Host  — Open a new room",
			"Join  — Join a room on this network",
			"Peers — List instances on this network",
		}).
		WithDefaultText("Select an action").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(action, "Host"):
		roomName, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room name").
			Show()
		roomName = strings.TrimSpace(roomName)
		if roomName == "" {
			roomName = "Meeting"
		}
		runHost(ctx, ctrl, roomName, 0)

	case strings.HasPrefix(action, "Join"):
		room, ok := pickRoom(ctx, ctrl)
		if !ok {
			util.LogWarning("no rooms found on this network")
			return
		}
		runJoin(ctx, ctrl, room.RoomID)

	default:
		listPeers(ctx, ctrl)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// waitForRoom blocks until the room shows up in the discovery directory.
func waitForRoom(ctx context.Context, ctrl *app.Controller, roomID string) (discovery.Room, error) {
	found := make(chan discovery.Room, 1)
	ctrl.OnRooms(func(rooms []discovery.Room) {
		for _, room := range rooms {
			if room.RoomID == roomID {
				select {
				case found <- room:
				default:
				}
				return
			}
		}
	})

	select {
	case room := <-found:
		return room, nil
	case <-time.After(15 * time.Second):
		return discovery.Room{}, fmt.Errorf("room %s not found on this network", roomID)
	case <-ctx.Done():
		return discovery.Room{}, ctx.Err()
	}
}

// pickRoom gathers announcements briefly and offers a selection.
func pickRoom(ctx context.Context, ctrl *app.Controller) (discovery.Room, bool) {
	spinner, _ := pterm.DefaultSpinner.Start("Listening for rooms...")

	var mu sync.Mutex
	var latest []discovery.Room
	ctrl.OnRooms(func(rooms []discovery.Room) {
		mu.Lock()
		latest = rooms
		mu.Unlock()
	})

	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	spinner.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(latest) == 0 {
		return discovery.Room{}, false
	}

	options := make([]string, len(latest))
	for i, room := range latest {
		options[i] = fmt.Sprintf("%s — %s:%d (%d joined)", room.RoomName, room.HostAddress, room.RelayPort, room.ParticipantCount)
	}

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a room").
		Show()

	for i, opt := range options {
		if opt == choice {
			return latest[i], true
		}
	}
	return discovery.Room{}, false
}

// listPeers prints the peer directory after a short listen window.
func listPeers(ctx context.Context, ctrl *app.Controller) {
	var mu sync.Mutex
	var latest []presence.Peer
	ctrl.OnPeers(func(peers []presence.Peer) {
		mu.Lock()
		latest = peers
		mu.Unlock()
	})

	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	for _, peer := range latest {
		marker := " "
		if peer.IsSelf {
			marker = "*"
		}
		room := peer.RoomName
		if room == "" {
			room = "-"
		}
		pterm.Println(fmt.Sprintf("%s %-20s %-15s room: %s", marker, peer.PeerName, peer.PeerAddress, room))
	}
}
