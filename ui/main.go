// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/servicequeue"
	"github.com/olivere/servicequeue/mongodb"
	"github.com/olivere/servicequeue/mysql"
	"github.com/olivere/servicequeue/sqlite"
	"github.com/olivere/servicequeue/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/servicequeue?loc=UTC&parseTime=true"
	)
	var (
		addr     = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		dbtype   = flag.String("dbtype", "memory", "Storage type (memory, mysql, sqlite or mongodb)")
		dburl    = flag.String("dburl", "", "Database connection string, e.g. "+exampleDBURL)
		priority = flag.String("priority", "", "Comma-separated owners of the privileged tier")
		exempt   = flag.String("rate-exempt", "", "Comma-separated owners exempt from the rate limit")
	)
	flag.Parse()

	log := logrus.StandardLogger()

	// Initialize the store
	var err error
	var store servicequeue.Store
	switch *dbtype {
	case "mysql":
		store, err = mysql.NewStore(*dburl)
	case "sqlite":
		store, err = sqlite.NewStore(*dburl)
	case "mongodb":
		store, err = mongodb.NewStore(*dburl)
	case "memory":
	default:
		log.Fatal("unsupported dbtype; use memory, mysql, sqlite or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the manager
	options := []servicequeue.ManagerOption{
		servicequeue.SetLogger(log),
		servicequeue.SetMetricsRegisterer(prometheus.DefaultRegisterer),
	}
	if store != nil {
		options = append(options, servicequeue.SetStore(store))
	}
	if owners := splitList(*priority); len(owners) > 0 {
		set := make(map[string]bool, len(owners))
		for _, owner := range owners {
			set[owner] = true
		}
		options = append(options, servicequeue.SetPriorityFunc(func(owner string) bool {
			return set[owner]
		}))
	}
	if owners := splitList(*exempt); len(owners) > 0 {
		options = append(options, servicequeue.SetRateLimit(
			5*time.Minute, 100, owners...,
		))
	}
	m := servicequeue.New(options...)
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	httpSrv := &http.Server{
		Addr:    *addr,
		Handler: server.New(m).Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", *addr).Info("web server listening")
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-c:
			log.WithField("signal", sig.String()).Info("shutting down")
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("exit with error")
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var list []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}
