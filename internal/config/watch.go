package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/sidgwick/revtunnel/internal/logging"
)

// WatchLocal watches path for writes and logs what changed between the old
// and newly-parsed LocalConfig. It does not reconfigure anything live —
// dynamic reconfiguration is an explicit non-goal — this is advisory
// logging only, grounded on the teacher's authfile fsnotify watcher
// (share/server.go) which served the same "notice and log" role.
func WatchLocal(path string, cur *LocalConfig, log logging.Logger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("config watcher panic: %v", r)
			}
		}()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := LoadLocal(path)
				if err != nil {
					log.Warnf("config changed but failed to reparse: %v", err)
					continue
				}
				logLocalDiff(log, cur, next)
				cur = next

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()

	return w, nil
}

func logLocalDiff(log logging.Logger, old, next *LocalConfig) {
	oldNames := namesOf(old.RemoteServers)
	newNames := namesOf(next.RemoteServers)
	for n := range newNames {
		if !oldNames[n] {
			log.Infof("config change: remote-server %q added (restart to use it)", n)
		}
	}
	for n := range oldNames {
		if !newNames[n] {
			log.Infof("config change: remote-server %q removed (restart to apply)", n)
		}
	}

	oldPorts := portsOf(old.ProxyList)
	newPorts := portsOf(next.ProxyList)
	for p := range newPorts {
		if !oldPorts[p] {
			log.Infof("config change: proxy_list entry for local port %d added (restart to use it)", p)
		}
	}
	for p := range oldPorts {
		if !newPorts[p] {
			log.Infof("config change: proxy_list entry for local port %d removed (restart to apply)", p)
		}
	}
}

func namesOf(rs []RemoteServer) map[string]bool {
	m := make(map[string]bool, len(rs))
	for _, r := range rs {
		m[r.Name] = true
	}
	return m
}

func portsOf(ps []Proxy) map[uint16]bool {
	m := make(map[uint16]bool, len(ps))
	for _, p := range ps {
		m[p.Local] = true
	}
	return m
}
