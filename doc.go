// Package voucherd is the resilience and concurrency-control core of a local
// services voucher platform. It serves cached shop reads and flash-sale
// (seckill) purchases in front of a relational store, using Redis as a
// cache, lock service, id sequence and durable order queue.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
//	cfg := voucherd.Config{
//	    Listen:   ":8081",
//	    RedisURL: "redis://127.0.0.1:6379/0",
//	    Store:    "sqlite:///var/lib/voucherd/voucherd.db",
//	}
//	srv, stop, err := voucherd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Store selects the backing store: mem:// keeps everything in process,
// sqlite://<path> and postgres://... use bun.
//
// # Read paths
//
// Shops are served through the cache-aside engine using the configured
// strategy (Config.CacheStrategy): "passthrough" caches misses as negative
// markers, "mutex" lets a single caller rebuild a missing entry, and "logical"
// serves entries forever while refreshing stale ones in the background.
// Logical entries must be preheated (see Server.PreheatShops or the
// `voucherd preheat` command).
//
// # Flash sales
//
// A seckill request is decided entirely in Redis: an atomic script checks the
// stock counter and the buyer set, reserves one unit and appends a ticket to
// the order stream. The caller receives the order id at once. A single
// consumer goroutine turns tickets into orders inside a store transaction and
// acknowledges them; tickets left pending by a crash are finished by the
// recovery pass that runs on start and after every failure.
package voucherd
