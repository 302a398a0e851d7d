// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olivere/servicequeue"
	"github.com/olivere/servicequeue/mysql"
	"github.com/olivere/servicequeue/sqlite"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/servicequeue_e2e?loc=UTC&parseTime=true"
	)
	var (
		ownersList      = flag.String("owners", "alice,bob,carol", "comma-separated list of owners")
		priorityList    = flag.String("priority", "", "comma-separated list of privileged owners")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new requests get submitted")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		budget          = flag.Int("budget", 0, "fixed processing budget in seconds (0 for the random default)")
		totalSteps      = flag.Int("total-steps", 20, "number of progress steps per request")
		maxRetry        = flag.Int("max-retry", 2, "maximum number of retries per request")
		failureRate     = flag.Float64("failure-rate", 0.05, "per-step failure rate in the interval [0.0,1.0]")
		dbtype          = flag.String("dbtype", "memory", "Storage type (memory, mysql or sqlite)")
		dburl           = flag.String("dburl", "", "Database connection string, e.g. "+exampleDBURL)
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rand.Seed(time.Now().UnixNano())

	owners := strings.SplitN(*ownersList, ",", -1)
	priority := make(map[string]bool)
	for _, owner := range strings.SplitN(*priorityList, ",", -1) {
		if owner != "" {
			priority[owner] = true
		}
	}

	// Initialize the manager
	var options []servicequeue.ManagerOption
	switch *dbtype {
	case "mysql":
		store, err := mysql.NewStore(*dburl)
		if err != nil {
			log.Fatal(err)
		}
		options = append(options, servicequeue.SetStore(store))
	case "sqlite":
		store, err := sqlite.NewStore(*dburl)
		if err != nil {
			log.Fatal(err)
		}
		options = append(options, servicequeue.SetStore(store))
	case "memory":
	default:
		log.Fatal("unsupported dbtype; use memory, mysql or sqlite")
	}
	options = append(options,
		servicequeue.SetTotalSteps(*totalSteps),
		servicequeue.SetMaxRetry(*maxRetry),
		servicequeue.SetPriorityFunc(func(owner string) bool { return priority[owner] }),
		servicequeue.SetStepFunc(makeStepFunc(*failureRate)),
	)
	if *budget > 0 {
		options = append(options, servicequeue.SetProcessingBudget(*budget))
	}
	m := servicequeue.New(options...)

	// Start the manager
	err := m.Start()
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Submit requests
	go func() {
		errc <- submitter(m, owners, *fillTime)
	}()

	// Print stats
	go logger(m, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

// makeStepFunc returns a step function that fails at the given rate.
func makeStepFunc(failureRate float64) servicequeue.StepFunc {
	return func(req *servicequeue.ServiceRequest, step, total int) error {
		if rand.Float64() < failureRate {
			return fmt.Errorf("simulated failure at step %d of %d", step, total)
		}
		return nil
	}
}

func submitter(m *servicequeue.Manager, owners []string, fillTime time.Duration) error {
	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		owner := owners[rand.Intn(len(owners))]
		_, err := m.Submit(context.Background(), owner)
		if err != nil {
			if _, ok := servicequeue.IsAdmissionError(err); ok {
				// Capacity or rate limit; try again later.
				continue
			}
			return err
		}
	}
}

func logger(m *servicequeue.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss, err := m.Stats(context.Background())
		if err == nil {
			fmt.Printf("Pending=%6d Active=%6d Completed=%6d Failed=%6d\n",
				ss.Pending,
				ss.Active,
				ss.Completed,
				ss.Failed)
		}
	}
}
