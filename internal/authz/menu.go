package authz

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// MenuNode is one entry in the hierarchical navigation tree. Require lists
// the permission tags that grant visibility: any one suffices. A node with
// no Require list is visible to everyone.
type MenuNode struct {
	ID       string       `yaml:"id" json:"id"`
	Label    string       `yaml:"label" json:"label"`
	Path     string       `yaml:"path,omitempty" json:"path,omitempty"`
	Require  []Permission `yaml:"require,omitempty" json:"require,omitempty"`
	Order    *int         `yaml:"order,omitempty" json:"order,omitempty"`
	Children []MenuNode   `yaml:"children,omitempty" json:"children,omitempty"`
}

// menuFile is the on-disk shape of the menu definition.
type menuFile struct {
	Menu []MenuNode `yaml:"menu"`
}

// LoadMenu reads the navigation tree from a YAML file.
func LoadMenu(path string) ([]MenuNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading menu definition: %w", err)
	}
	var file menuFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing menu definition %s: %w", path, err)
	}
	return file.Menu, nil
}

// FilterTree prunes the tree down to what the permission set may see.
// Children are filtered depth-first before the parent's survival is
// decided: a branch node whose children all vanish vanishes with them.
// Sibling order is preserved, except siblings carrying an explicit order
// value sort ascending ahead of those without one. The input is never
// mutated, so filtering is idempotent and safe to run on every evaluation.
func FilterTree(nodes []MenuNode, perms Set) []MenuNode {
	out := make([]MenuNode, 0, len(nodes))
	for _, node := range nodes {
		filtered := FilterTree(node.Children, perms)

		if len(node.Require) > 0 && !perms.HasAny(node.Require...) {
			continue
		}
		if len(node.Children) > 0 && len(filtered) == 0 {
			continue
		}

		node.Children = filtered
		out = append(out, node)
	}
	sortSiblings(out)
	return out
}

// sortSiblings orders by the explicit order field, ascending, with
// unordered nodes last. The sort is stable so ties keep input order.
func sortSiblings(nodes []MenuNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Order, nodes[j].Order
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}
