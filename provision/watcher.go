// Package provision syncs the fleet catalog from etcd. Provisioning tooling
// writes one JSON server definition per key under a common prefix; the
// watcher mirrors puts into registry registrations and deletes into
// decommissions.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/util/backoff"
	"github.com/vpn-enterprise/vpncore/util/logger"
)

const (
	DefaultPrefix = "/vpncore/servers/"

	dialTimeout = 5 * time.Second
	syncTimeout = 10 * time.Second
)

// ServerDefinition is the JSON document provisioning tooling writes per
// server.
type ServerDefinition struct {
	ID        string   `json:"id"`
	Address   string   `json:"address"`
	Region    string   `json:"region"`
	Protocols []string `json:"protocols"`
	Capacity  int      `json:"capacity"`
	Premium   bool     `json:"premium,omitempty"`
}

func (d *ServerDefinition) toNodeDefinition() registry.NodeDefinition {
	protocols := make([]registry.Protocol, 0, len(d.Protocols))
	for _, p := range d.Protocols {
		protocols = append(protocols, registry.Protocol(p))
	}
	return registry.NodeDefinition{
		ID:        d.ID,
		Address:   d.Address,
		Region:    d.Region,
		Protocols: protocols,
		Capacity:  d.Capacity,
		Premium:   d.Premium,
	}
}

// Watcher keeps the registry in sync with the provisioning prefix in etcd.
type Watcher struct {
	registry  *registry.Registry
	endpoints []string
	prefix    string
	client    *clientv3.Client
	logger    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher against the given etcd endpoint. An empty
// prefix selects DefaultPrefix.
func NewWatcher(reg *registry.Registry, etcdAddress, prefix string) *Watcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Watcher{
		registry:  reg,
		endpoints: []string{etcdAddress},
		prefix:    prefix,
		logger:    logger.NewLogger("Provision"),
		done:      make(chan struct{}),
	}
}

// Connect establishes the etcd client connection.
func (w *Watcher) Connect() error {
	w.logger.Infof("Connecting to etcd at %v", w.endpoints)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   w.endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	w.client = cli
	return nil
}

// Start loads the current set of definitions and then follows changes from
// the revision of that initial read, so no update between the read and the
// watch is lost. It returns after the initial sync; watching continues in
// the background until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	resp, err := w.client.Get(syncCtx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to load server definitions: %w", err)
	}
	for _, kv := range resp.Kvs {
		w.applyPut(string(kv.Key), kv.Value)
	}
	w.logger.Infof("Loaded %d server definitions from %s", len(resp.Kvs), w.prefix)

	watchCtx, watchCancel := context.WithCancel(ctx)
	w.cancel = watchCancel
	go w.watch(watchCtx, resp.Header.Revision+1)
	return nil
}

// Stop halts the background watch and closes the etcd client.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
	if w.client != nil {
		err := w.client.Close()
		w.client = nil
		return err
	}
	return nil
}

func (w *Watcher) watch(ctx context.Context, fromRev int64) {
	defer close(w.done)

	retry := backoff.New(time.Second, 30*time.Second, 2.0)
	for {
		watchChan := w.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev))
		w.logger.Infof("Watching %s from revision %d", w.prefix, fromRev)

		for watchResp := range watchChan {
			if watchResp.Err() != nil {
				w.logger.Errorf("Watch error: %v", watchResp.Err())
				continue
			}
			retry.Reset()
			for _, event := range watchResp.Events {
				switch event.Type {
				case clientv3.EventTypePut:
					w.applyPut(string(event.Kv.Key), event.Kv.Value)
				case clientv3.EventTypeDelete:
					w.applyDelete(string(event.Kv.Key))
				}
				if event.Kv.ModRevision >= fromRev {
					fromRev = event.Kv.ModRevision + 1
				}
			}
		}

		if ctx.Err() != nil {
			w.logger.Infof("Provision watch stopped")
			return
		}
		w.logger.Warnf("Watch channel closed, reconnecting in %v", retry.CurrentDelay())
		if err := retry.Wait(ctx); err != nil {
			return
		}
	}
}

// applyPut registers a new definition or updates an existing one.
func (w *Watcher) applyPut(key string, value []byte) {
	var def ServerDefinition
	if err := json.Unmarshal(value, &def); err != nil {
		w.logger.Errorf("Ignoring malformed definition at %s: %v", key, err)
		return
	}
	if def.ID == "" {
		def.ID = key[len(w.prefix):]
	}

	nodeDef := def.toNodeDefinition()
	if _, err := w.registry.Get(def.ID); err == nil {
		if err := w.registry.Update(nodeDef); err != nil {
			w.logger.Errorf("Updating server %s: %v", def.ID, err)
		} else {
			w.logger.Infof("Updated server %s", def.ID)
		}
		return
	}
	if err := w.registry.Register(nodeDef); err != nil {
		w.logger.Errorf("Registering server %s: %v", def.ID, err)
		return
	}
	w.logger.Infof("Registered server %s (%s, capacity %d)", def.ID, def.Region, def.Capacity)
}

// applyDelete decommissions the server named by the deleted key. Draining
// is handled by the registry: the node disappears once its last session
// releases capacity.
func (w *Watcher) applyDelete(key string) {
	id := key[len(w.prefix):]
	if err := w.registry.Decommission(id); err != nil {
		w.logger.Warnf("Decommissioning server %s: %v", id, err)
		return
	}
	w.logger.Infof("Decommissioned server %s", id)
}
