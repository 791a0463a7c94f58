// Package node defines the immutable identity of a cluster member.
package node

import "fmt"

// Node is the immutable (id, host, port) triple that identifies a process
// in the cluster. Two distinct processes must not share an id.
type Node struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// New builds a Node from its three identity components.
func New(id, host string, port uint16) Node {
	return Node{ID: id, Host: host, Port: port}
}

// Equal reports component-wise equality.
func (n Node) Equal(other Node) bool {
	return n.ID == other.ID && n.Host == other.Host && n.Port == other.Port
}

// Addr returns the dialable "host:port" form of the node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Addr())
}
