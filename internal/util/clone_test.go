package util

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClonePropertiesIsDeep(t *testing.T) {
	original := map[string]interface{}{
		"plan":  "pro",
		"seats": 3,
		"tags":  []interface{}{"a", map[string]interface{}{"b": 1}},
		"meta":  map[string]interface{}{"nested": []string{"x"}},
	}

	cloned := CloneProperties(original)
	if diff := cmp.Diff(original, cloned); diff != "" {
		t.Fatalf("clone differs (-original +clone):\n%s", diff)
	}

	cloned["plan"] = "free"
	cloned["tags"].([]interface{})[1].(map[string]interface{})["b"] = 2
	cloned["meta"].(map[string]interface{})["nested"].([]string)[0] = "y"

	if original["plan"] != "pro" {
		t.Error("top-level value mutated through clone")
	}
	if original["tags"].([]interface{})[1].(map[string]interface{})["b"] != 1 {
		t.Error("nested map mutated through clone")
	}
	if original["meta"].(map[string]interface{})["nested"].([]string)[0] != "x" {
		t.Error("nested slice mutated through clone")
	}
}

func TestClonePropertiesCycle(t *testing.T) {
	original := map[string]interface{}{"name": "loop"}
	original["self"] = original

	cloned := CloneProperties(original)
	self, ok := cloned["self"].(map[string]interface{})
	if !ok {
		t.Fatalf("self has type %T", cloned["self"])
	}
	self["name"] = "changed"
	if cloned["name"] != "changed" {
		t.Error("cycle not preserved in clone")
	}
	if original["name"] != "loop" {
		t.Error("original mutated")
	}
}

func TestClonePropertiesNil(t *testing.T) {
	if CloneProperties(nil) != nil {
		t.Error("expected nil")
	}
}

func TestMergeMaps(t *testing.T) {
	tests := []struct {
		name string
		maps []map[string]string
		want map[string]string
	}{
		{
			name: "merge two maps without overlap",
			maps: []map[string]string{{"a": "1"}, {"c": "3"}},
			want: map[string]string{"a": "1", "c": "3"},
		},
		{
			name: "last wins",
			maps: []map[string]string{{"a": "first"}, {"a": "second", "c": "3"}},
			want: map[string]string{"a": "second", "c": "3"},
		},
		{
			name: "no maps",
			maps: nil,
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, MergeMaps(tt.maps...)); diff != "" {
				t.Errorf("MergeMaps() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo wörld", 4, "héll"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
