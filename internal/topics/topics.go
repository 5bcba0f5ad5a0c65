// Package topics maps scene addresses to hierarchical pub/sub topic strings
// and back. All topic construction in the module goes through here.
//
// Grammar: {realm}/s/{namespace}/{scene}/{category}/{tokens...}
package topics

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the message category level of a scene topic.
type Category string

const (
	Objects  Category = "o"
	User     Category = "u"
	Presence Category = "p"
	Chat     Category = "c"
	Env      Category = "env"
	Debug    Category = "debug"
	Proc     Category = "proc"
)

// Categories lists every known category token.
var Categories = []Category{Objects, User, Presence, Chat, Env, Debug, Proc}

const sceneLevel = "s"

var ErrMalformedTopic = errors.New("malformed topic")

// Valid reports whether c is a known category token.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Scene identifies one scene within a realm.
type Scene struct {
	Realm     string
	Namespace string
	Name      string
}

// Namespaced returns "{namespace}/{scene}".
func (s Scene) Namespaced() string {
	return s.Namespace + "/" + s.Name
}

// Root returns "{realm}/s/{namespace}/{scene}", the prefix shared by every
// topic of the scene.
func (s Scene) Root() string {
	return strings.Join([]string{s.Realm, sceneLevel, s.Namespace, s.Name}, "/")
}

// RootDepth is the number of levels in Scene.Root.
const RootDepth = 4

// Topic builds the topic of a category within the scene, followed by the
// addressing tokens (object id, target user, sender...).
func Topic(scene Scene, category Category, ids ...string) string {
	parts := make([]string, 0, 2+len(ids))
	parts = append(parts, scene.Root(), string(category))
	parts = append(parts, ids...)
	return strings.Join(parts, "/")
}

// PublicFilter matches every "{category}/{id}" topic of the scene.
func PublicFilter(scene Scene) string {
	return scene.Root() + "/+/+"
}

// PrivateFilter matches topics addressed to self within the scene:
// "{category}/{sender}/{self}/...".
func PrivateFilter(scene Scene, self string) string {
	return scene.Root() + "/+/+/" + self + "/#"
}

// Address is a parsed scene topic.
type Address struct {
	Realm     string
	Namespace string
	Scene     string
	Category  Category
	Tokens    []string
}

// Parse splits a scene topic into its address. Unknown categories are
// returned as-is; callers decide whether they care.
func Parse(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[1] != sceneLevel {
		return Address{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	for _, p := range parts[:5] {
		if p == "" {
			return Address{}, fmt.Errorf("%w: empty level in %q", ErrMalformedTopic, topic)
		}
	}
	return Address{
		Realm:     parts[0],
		Namespace: parts[2],
		Scene:     parts[3],
		Category:  Category(parts[4]),
		Tokens:    append([]string(nil), parts[5:]...),
	}, nil
}

// SceneOf returns the scene the address belongs to.
func (a Address) SceneOf() Scene {
	return Scene{Realm: a.Realm, Namespace: a.Namespace, Name: a.Scene}
}

// Last returns the trailing token, which names the object for object
// messages.
func (a Address) Last() string {
	if len(a.Tokens) == 0 {
		return ""
	}
	return a.Tokens[len(a.Tokens)-1]
}

// Token returns the token at i; negative indexes count from the end.
func (a Address) Token(i int) (string, bool) {
	if i < 0 {
		i += len(a.Tokens)
	}
	if i < 0 || i >= len(a.Tokens) {
		return "", false
	}
	return a.Tokens[i], true
}

// Sender is the user segment the topic is addressed from. Public topics
// carry it as the only token, private ones as the last.
func (a Address) Sender() string {
	return a.Last()
}

// String rebuilds the topic.
func (a Address) String() string {
	return Topic(a.SceneOf(), a.Category, a.Tokens...)
}
