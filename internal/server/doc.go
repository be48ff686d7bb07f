// Package server assembles the monitorhub process: it picks the TLS or plain
// listener, caches the dashboard shell, wires storage, relay and the realtime
// hub, and serves the HTTP surface behind one middleware chain.
//
// The server is a process-wide singleton obtained through GetInstance.
package server
