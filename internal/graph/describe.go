package graph

import (
	"fmt"
	"strings"
)

// NodeInfo is a serializable description of one node.
type NodeInfo struct {
	ID     int              `json:"id"`
	Name   string           `json:"name"`
	Kind   string           `json:"kind"`
	Op     string           `json:"op"`
	Inputs []int            `json:"inputs,omitempty"`
	Params map[string][]int `json:"params,omitempty"`
}

// Describe lists every node with its op type and parameter shapes.
func Describe(net *Network) []NodeInfo {
	out := make([]NodeInfo, 0, len(net.nodes))
	for _, n := range net.nodes {
		info := NodeInfo{ID: n.ID, Name: n.Name, Kind: n.Kind.String(), Inputs: n.Inputs}
		switch {
		case n.Module != nil:
			info.Op = opName(n.Module)
			for _, p := range n.Module.Parameters() {
				if info.Params == nil {
					info.Params = make(map[string][]int)
				}
				info.Params[p.Name] = p.Data.Shape
			}
		case n.Adder != nil:
			info.Op = opName(n.Adder)
		}
		out = append(out, info)
	}
	return out
}

func opName(v any) string {
	s := fmt.Sprintf("%T", v)
	return s[strings.LastIndex(s, ".")+1:]
}
