// Package slsk is a client for a legacy central-server peer-to-peer
// file-sharing network. It speaks the network's little-endian binary
// protocol to the central server and directly to peers, searches the
// network, queues downloads against remote upload queues, serves uploads
// from a local share, and resumes interrupted transfers across restarts.
//
// The packages underneath split along protocol seams: wire holds the
// codec, network the connection machinery and transfer engine, storage the
// SQLite persistence, nat the optional gateway port mapping. This package
// wires them into a single Client.
package slsk
