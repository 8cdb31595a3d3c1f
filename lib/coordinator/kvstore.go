// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/meshrun/meshrun/sdk/go/meshrun"
	"google.golang.org/grpc/codes"
)

// KVStore is a small thread-safe string-keyed store. Get blocks until
// the key appears, which is how workers exchange rendezvous data
// (e.g. communicator bootstrap handles) without polling.
type KVStore struct {
	mu   sync.Mutex
	cond *sync.Cond
	data map[string]string
	err  error // set by Fail; fails all blocked and future Gets
}

func NewKVStore() *KVStore {
	kv := &KVStore{data: map[string]string{}}
	kv.cond = sync.NewCond(&kv.mu)
	return kv
}

// Get returns the value for key, blocking until it is set or timeout
// elapses.
func (kv *KVStore) Get(key string, timeout time.Duration) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, kv.cond.Broadcast)
	defer timer.Stop()
	for {
		if kv.err != nil {
			return "", kv.err
		}
		if value, ok := kv.data[key]; ok {
			return value, nil
		}
		if !time.Now().Before(deadline) {
			return "", meshrun.Errorf(codes.DeadlineExceeded, "timed out waiting for key %q", key)
		}
		kv.cond.Wait()
	}
}

// Set stores value under key, overwriting any previous value, and
// wakes blocked Gets.
func (kv *KVStore) Set(key, value string) {
	kv.mu.Lock()
	kv.data[key] = value
	kv.cond.Broadcast()
	kv.mu.Unlock()
}

// Delete removes key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(key string) {
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
}

// Dir returns a copy of all entries whose key starts with prefix.
func (kv *KVStore) Dir(prefix string) map[string]string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entries := map[string]string{}
	for key, value := range kv.data {
		if strings.HasPrefix(key, prefix) {
			entries[key] = value
		}
	}
	return entries
}

// Fail wakes all blocked Gets with err and fails all future ones.
// Called when the owning session aborts.
func (kv *KVStore) Fail(err error) {
	kv.mu.Lock()
	if kv.err == nil {
		kv.err = err
	}
	kv.cond.Broadcast()
	kv.mu.Unlock()
}

// KeyValueGet, KeyValueSet, KeyValueDelete and KeyValueDir are the RPC
// entry points wrapping KVStore with session validation.

func (svc *Service) KeyValueGet(ctx context.Context, req meshrun.KeyValueGetRequest) (*meshrun.KeyValueGetResponse, error) {
	if err := svc.checkKVSession(req.SessionID); err != nil {
		return nil, err
	}
	timeout := req.Timeout.Duration()
	if timeout <= 0 {
		timeout = svc.cfg.RPCTimeout.Duration()
	}
	value, err := svc.kv.Get(req.Key, timeout)
	if err != nil {
		return nil, err
	}
	return &meshrun.KeyValueGetResponse{Value: value}, nil
}

func (svc *Service) KeyValueSet(ctx context.Context, req meshrun.KeyValueSetRequest) error {
	if err := svc.checkKVSession(req.SessionID); err != nil {
		return err
	}
	svc.kv.Set(req.Key, req.Value)
	return nil
}

func (svc *Service) KeyValueDelete(ctx context.Context, req meshrun.KeyValueDeleteRequest) error {
	if err := svc.checkKVSession(req.SessionID); err != nil {
		return err
	}
	svc.kv.Delete(req.Key)
	return nil
}

func (svc *Service) KeyValueDir(ctx context.Context, req meshrun.KeyValueDirRequest) (*meshrun.KeyValueDirResponse, error) {
	if err := svc.checkKVSession(req.SessionID); err != nil {
		return nil, err
	}
	return &meshrun.KeyValueDirResponse{Entries: svc.kv.Dir(req.Prefix)}, nil
}

func (svc *Service) checkKVSession(sessionID uint64) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.checkSession(sessionID); err != nil {
		return err
	}
	return svc.sessionError(stateRunning)
}
