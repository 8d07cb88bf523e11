/*
Package superserver is an epoll-based HTTP/1.1 server for Linux.

One reactor goroutine owns the listening socket, the connection table and the
idle-timeout heap; reading, parsing, response building and writing run on a
fixed worker pool. Each connection is re-armed with one-shot interest after
every task, so only one task touches a connection at a time.

Features

  - Level- or edge-triggered notification, chosen separately for the listener
    and for client connections (trigger modes 0-3)
  - Keep-alive, pipelined requests, and requests split across segments
  - Static files from a root directory, sent from memory-mapped pages with
    vectored writes, with 400/403/404 error pages
  - Command mode: "set k v", "get k" and "del k" in the body against a
    skip-list store (with snapshot on shutdown) or Redis
  - Form login and registration against MySQL or an in-memory user table
  - Idle eviction, connection limits and accept-rate limiting
  - Levelled asynchronous logging to stdout or daily files
  - Prometheus metrics

Quick Start

	package main

	import (
	    "log"
	    "os"

	    "github.com/searchktools/super-server/app"
	    "github.com/searchktools/super-server/config"
	)

	func main() {
	    cfg, err := config.Load(os.Args[1:])
	    if err != nil {
	        log.Fatal(err)
	    }
	    application, err := app.New(cfg)
	    if err != nil {
	        log.Fatal(err)
	    }
	    log.Fatal(application.Run())
	}

Modules

  - app: wiring and lifecycle
  - config: defaults, JSON file, SUPER_* environment and flags
  - core: Server and Connection
  - core/buffer: growable read/write buffer
  - core/poller: epoll wrapper
  - core/timer: idle-timeout heap
  - core/pools: worker pool, connection and byte pools
  - core/http: request parser and response builder
  - core/kv: skip list, snapshots and the Redis store
  - core/auth: database connection pool and credential checks
  - core/logging: levelled logger
  - core/observability: Prometheus metrics
*/
package superserver
