package topics

import (
	"fmt"
	"strings"
)

// Placeholders accepted in topic templates.
const (
	VarRealm     = "realm"
	VarNamespace = "nameSpace"
	VarScene     = "sceneName"
	VarCamName   = "camName"
	VarObjectID  = "objectId"
)

var knownVars = map[string]struct{}{
	VarRealm: {}, VarNamespace: {}, VarScene: {}, VarCamName: {}, VarObjectID: {},
}

// Vars are the values substituted into a template.
type Vars map[string]string

// Template is a topic pattern with {placeholder} segments.
type Template struct {
	raw  string
	vars []string
}

// ParseTemplate checks a template for balanced braces and known
// placeholders.
func ParseTemplate(raw string) (Template, error) {
	var vars []string
	rest := raw
	for {
		open := strings.IndexByte(rest, '{')
		end := strings.IndexByte(rest, '}')
		if open < 0 && end < 0 {
			break
		}
		if open < 0 || end < open {
			return Template{}, fmt.Errorf("topic template %q: unbalanced braces", raw)
		}
		name := rest[open+1 : end]
		if strings.ContainsAny(name, "{/") {
			return Template{}, fmt.Errorf("topic template %q: unbalanced braces", raw)
		}
		if _, ok := knownVars[name]; !ok {
			return Template{}, fmt.Errorf("topic template %q: unknown placeholder {%s}", raw, name)
		}
		vars = append(vars, name)
		rest = rest[end+1:]
	}
	return Template{raw: raw, vars: vars}, nil
}

// MustTemplate is ParseTemplate for package-level templates; a malformed
// template is a programming error.
func MustTemplate(raw string) Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Expand substitutes every placeholder. Missing or empty values are an
// error, as is a value containing a level separator or wildcard.
func (t Template) Expand(vars Vars) (string, error) {
	out := t.raw
	for _, name := range t.vars {
		v, ok := vars[name]
		if !ok || v == "" {
			return "", fmt.Errorf("topic template %q: missing value for {%s}", t.raw, name)
		}
		if strings.ContainsAny(v, "/+#") {
			return "", fmt.Errorf("topic template %q: invalid value %q for {%s}", t.raw, v, name)
		}
		out = strings.Replace(out, "{"+name+"}", v, 1)
	}
	return out, nil
}

func (t Template) String() string { return t.raw }

// Publish and subscribe templates for scene traffic.
var (
	SubscribeScenePublic  = MustTemplate("{realm}/s/{nameSpace}/{sceneName}/+/+")
	SubscribeScenePrivate = MustTemplate("{realm}/s/{nameSpace}/{sceneName}/+/+/{camName}/#")

	PublishSceneObjects = MustTemplate("{realm}/s/{nameSpace}/{sceneName}/o/{objectId}")
	PublishSceneUser    = MustTemplate("{realm}/s/{nameSpace}/{sceneName}/u/{objectId}")
)

// SceneVars returns the scene-level placeholder values.
func SceneVars(scene Scene) Vars {
	return Vars{
		VarRealm:     scene.Realm,
		VarNamespace: scene.Namespace,
		VarScene:     scene.Name,
	}
}

// With returns a copy of v with extra values set.
func (v Vars) With(kv ...string) Vars {
	out := make(Vars, len(v)+len(kv)/2)
	for k, val := range v {
		out[k] = val
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
