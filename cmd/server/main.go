package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/harrylevesque/qrattend/internal/devserver"
)

// Runs the in-memory backend for local demos: lecturer/STF001, student01..NN/STU001..,
// admin/admin123; course 42.
func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	students := flag.Int("students", devserver.DefaultSeed.Students, "Students enrolled in the demo course")
	issueLimit := flag.Int("issue-limit", 10, "Token issuances allowed per lecturer per minute")
	flag.Parse()

	seed := devserver.DefaultSeed
	seed.Students = *students
	srv := devserver.New(devserver.WithSeed(seed), devserver.WithIssueLimit(*issueLimit, time.Minute))

	log.Println("Server running on", *addr)
	hs := &http.Server{Addr: *addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	log.Fatal(hs.ListenAndServe())
}
