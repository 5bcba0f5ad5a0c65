package network

import (
	"path/filepath"
	"testing"
)

func TestLibp2pPartition(t *testing.T) {
	cases := []struct {
		name    string
		depth   int
		in      string
		want    string
		wantErr bool
	}{
		{name: "single topic", depth: 0, in: "realm/s/ns/lobby/o/box", want: "arena"},
		{name: "scene topic", depth: 4, in: "realm/s/ns/lobby/o/box", want: "realm/s/ns/lobby"},
		{name: "scene filter", depth: 4, in: "realm/s/ns/lobby/+/+/cam/#", want: "realm/s/ns/lobby"},
		{name: "shallow", depth: 4, in: "realm/s/ns", wantErr: true},
		{name: "wildcard prefix", depth: 4, in: "realm/s/+/lobby/o/box", wantErr: true},
		{name: "hash prefix", depth: 4, in: "realm/#", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Libp2pPubSub{opts: Libp2pOptions{Rendezvous: "arena", PartitionDepth: tc.depth}}
			got, err := p.partition(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("partition(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("partition(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("partition(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLibp2pDeliverFiltersAndRetains(t *testing.T) {
	objects := make(chan Message, 4)
	chat := make(chan Message, 4)
	p := &Libp2pPubSub{
		subs: map[int]*memorySub{
			1: {filter: "realm/s/ns/lobby/o/+", ch: objects},
			2: {filter: "realm/s/ns/lobby/c/+", ch: chat},
		},
		retained: make(map[string]Message),
	}

	p.deliver(Message{Topic: "realm/s/ns/lobby/o/sign", Payload: []byte("hello"), Retained: true})
	msg := recv(t, objects)
	if msg.Retained {
		t.Fatal("live delivery must not be flagged retained")
	}
	expectNone(t, chat)
	if _, ok := p.retained["realm/s/ns/lobby/o/sign"]; !ok {
		t.Fatal("retained message not cached")
	}

	p.deliver(Message{Topic: "realm/s/ns/lobby/o/sign", Retained: true})
	recv(t, objects)
	if _, ok := p.retained["realm/s/ns/lobby/o/sign"]; ok {
		t.Fatal("empty retained payload must clear the cache")
	}
}

func TestLoadOrCreateIdentityKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "peer.key")
	created, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	loaded, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if !created.Equals(loaded) {
		t.Fatal("reloaded key differs from the created one")
	}
}
