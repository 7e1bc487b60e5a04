package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and print presence and unread changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stopSignals()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts := []dmsync.Option{dmsync.WithMetrics(dmsync.NewMetrics(reg)), dmsync.WithUpdateBuffer(256)}

		e, stop, err := runEngine(ctx, opts...)
		if err != nil {
			return err
		}
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					red.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
			dim.Printf("metrics on http://%s/metrics\n", watchMetricsAddr)
		}

		cyan.Printf("Watching as %s (Ctrl+C to exit)\n", e.Self())
		w := newWatcher()
		for {
			select {
			case <-ctx.Done():
				return nil
			case u, ok := <-e.Updates():
				if !ok {
					return nil
				}
				switch u.Kind {
				case dmsync.UpdatePresence:
					w.presence(e.Presence())
				case dmsync.UpdateRooms:
					w.rooms(e.Rooms())
				case dmsync.UpdateConnection:
					cyan.Printf("%s %s\n", time.Now().Format(time.Kitchen), u.State)
				}
			}
		}
	},
}

// watcher remembers the last printed state so only changes are shown.
type watcher struct {
	online map[string]bool
	unread map[string]int
}

func newWatcher() *watcher {
	return &watcher{online: map[string]bool{}, unread: map[string]int{}}
}

func (w *watcher) presence(snapshot map[string]bool) {
	for _, line := range w.presenceChanges(snapshot) {
		if line.online {
			green.Println(line.text)
		} else {
			red.Println(line.text)
		}
	}
}

type presenceLine struct {
	text   string
	online bool
}

func (w *watcher) presenceChanges(snapshot map[string]bool) []presenceLine {
	var out []presenceLine
	for _, id := range sortedKeys(snapshot, w.online) {
		now := snapshot[id]
		if now == w.online[id] {
			continue
		}
		w.online[id] = now
		if now {
			out = append(out, presenceLine{fmt.Sprintf("● %s is online", id), true})
		} else {
			out = append(out, presenceLine{fmt.Sprintf("○ %s went offline", id), false})
		}
	}
	return out
}

func (w *watcher) rooms(rooms []dmsync.Room) {
	for _, r := range w.unreadChanges(rooms) {
		yellow.Println(formatRoom(r, w.online[r.Peer]))
	}
}

// unreadChanges returns rooms whose unread count rose since the last call.
func (w *watcher) unreadChanges(rooms []dmsync.Room) []dmsync.Room {
	var out []dmsync.Room
	for _, r := range rooms {
		prev, seen := w.unread[r.ID]
		w.unread[r.ID] = r.Unread
		if r.Unread > 0 && (!seen || r.Unread > prev) {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys(a, b map[string]bool) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
