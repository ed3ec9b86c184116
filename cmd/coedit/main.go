package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/quilldesk/coedit"
)


const CoeditVersion = "0.0.1"


var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}


func main() {
	usage := `Coedit: collaborative directory sync over webrtc data channels.

Run a broker somewhere every peer can reach, then open a directory on
each peer with the same room. The first peer to open a room hosts it
and seeds the room from its directory. Omitting --room starts a new
room and prints its id.

Usage:
    coedit broker [--listen=<listen>]
    coedit open <dir> [--room=<room>] [--broker_url=<broker_url>]
        [--name=<name>] [--checkpoint=<checkpoint>]
        [--scan_timeout=<scan_timeout>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --listen=<listen>            Broker listen address [default: 127.0.0.1:8090].
    --room=<room>                Room to claim or join. Empty starts a new room.
    --broker_url=<broker_url>    Broker signal url.
                                 Defaults to $COEDIT_BROKER_URL, then
                                 ws://127.0.0.1:8090/v1/signal.
    --name=<name>                Display name in the presence list.
                                 Defaults to $COEDIT_NAME.
    --checkpoint=<checkpoint>    Document checkpoint file. Without one the
                                 document starts empty on every run.
    --scan_timeout=<scan_timeout>  Seconds between local change scans
                                 [default: 2].`

	coedit.InitLogging()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoeditVersion)
	if err != nil {
		panic(err)
	}

	if broker_, _ := opts.Bool("broker"); broker_ {
		broker(opts)
	} else if open_, _ := opts.Bool("open"); open_ {
		open(opts)
	}
}


func broker(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := coedit.NewBrokerWithDefaults(cancelCtx)
	defer b.Close()

	server := &http.Server{
		Addr:    listen,
		Handler: b.Router(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Printf("listen error = %s", err)
			cancel()
		}
	}()
	Out.Printf("broker listening on %s", listen)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		Out.Printf("signal %s", sig)
	case <-cancelCtx.Done():
	}
	server.Close()
}


func open(opts docopt.Opts) {
	dir, _ := opts.String("<dir>")
	room, _ := opts.String("--room")
	brokerUrl, _ := opts.String("--broker_url")
	name, _ := opts.String("--name")
	checkpointPath, _ := opts.String("--checkpoint")
	scanSeconds, err := opts.Int("--scan_timeout")
	if err != nil {
		scanSeconds = 2
	}

	if brokerUrl == "" {
		brokerUrl = getenv("COEDIT_BROKER_URL", "ws://127.0.0.1:8090/v1/signal")
	}
	if name == "" {
		name = getenv("COEDIT_NAME", "")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := coedit.NewDirStore(dir)
	if err != nil {
		Err.Fatalf("store error = %s", err)
	}

	clientId := coedit.NewId()
	if name == "" {
		name = fmt.Sprintf("peer-%s", clientId.String()[:8])
	}

	var checkpoint *coedit.Checkpoint
	var docStore *coedit.DocStore
	if checkpointPath != "" {
		checkpoint, err = coedit.OpenCheckpointWithDefaults(checkpointPath)
		if err != nil {
			Err.Fatalf("checkpoint error = %s", err)
		}
		defer checkpoint.Close()

		save, ok, err := checkpoint.Load()
		if err != nil {
			Err.Fatalf("checkpoint error = %s", err)
		}
		if ok {
			docStore, err = coedit.NewDocStoreFromSave(clientId, save)
			if err != nil {
				Err.Printf("checkpoint load error = %s, starting empty", err)
			}
		}
	}
	if docStore == nil {
		docStore = coedit.NewDocStore(clientId)
	}

	awareness := coedit.NewAwareness(clientId)
	awareness.SetLocal(coedit.PresenceRecord{
		DisplayName: name,
		ColorHint:   colorHint(clientId),
	})
	awareness.AddChangeCallback(func(peers []coedit.PresenceRecord) {
		names := []string{}
		for _, peer := range peers {
			names = append(names, peer.DisplayName)
		}
		Out.Printf("peers: %s", strings.Join(names, ", "))
	})

	bridge := coedit.NewBridgeWithDefaults(cancelCtx, docStore, store)
	defer bridge.Close()
	bridge.AddRemoteChangeCallback(func() {
		Out.Printf("synced, %d files", len(docStore.ListFiles()))
	})

	session := coedit.NewSessionWithDefaults(
		cancelCtx,
		clientId,
		docStore,
		awareness,
		brokerUrl,
		coedit.Address(room),
		coedit.WebRTCConnProviderFactory(),
	)
	defer session.Close()

	session.AddHostCallback(func() {
		bridge.SeedFromStore()
	})

	if err := session.Open(); err != nil {
		Err.Fatalf("open error = %s", err)
	}
	if session.IsHost() {
		Out.Printf("hosting room %s over %s", session.RoomId(), dir)
	} else {
		Out.Printf("joined room %s over %s", session.RoomId(), dir)
	}

	wg := &sync.WaitGroup{}
	if checkpoint != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkpoint.Run(cancelCtx, docStore)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLocal(cancelCtx, store, bridge, time.Duration(scanSeconds)*time.Second)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	Out.Printf("signal %s", sig)
	cancel()
	wg.Wait()
}


// stand in for the editing layer: watch the directory and report
// changed files to the bridge as saves and missing files as deletes.
// The first scan only records what is there, seeding the room is the
// host callback's job.
func scanLocal(ctx context.Context, store *coedit.DirStore, bridge *coedit.Bridge, scanTimeout time.Duration) {
	known := map[string]string{}

	scan := func(report bool) {
		entries, err := store.List(ctx)
		if err != nil {
			Err.Printf("scan error = %s", err)
			return
		}

		seen := map[string]bool{}
		for _, entry := range entries {
			if entry.Kind != coedit.EntryKindFile {
				continue
			}
			seen[entry.Path] = true
			content, err := store.Read(ctx, entry.Path)
			if err != nil {
				Err.Printf("scan read %s error = %s", entry.Path, err)
				continue
			}
			if previous, ok := known[entry.Path]; ok && previous == content {
				continue
			}
			known[entry.Path] = content
			if report {
				if err := bridge.OnSave(entry.Path, content); err != nil {
					Err.Printf("save %s error = %s", entry.Path, err)
				}
			}
		}
		for path := range known {
			if seen[path] {
				continue
			}
			delete(known, path)
			if report {
				if err := bridge.OnDelete(path); err != nil {
					Err.Printf("delete %s error = %s", path, err)
				}
			}
		}
	}

	scan(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(scanTimeout):
			scan(true)
		}
	}
}


var presenceColors = []string{
	"#30bced",
	"#6eeb83",
	"#ffbc42",
	"#ecd444",
	"#ee6352",
	"#9ac2c9",
}

func colorHint(clientId coedit.Id) string {
	return presenceColors[int(clientId.Bytes()[15])%len(presenceColors)]
}

func getenv(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
