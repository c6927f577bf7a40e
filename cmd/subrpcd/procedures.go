package main

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/svemat01/subrpc"
)

var started = time.Now()

type statusReply struct {
	GoVersion string `json:"goVersion"`
	Uptime    string `json:"uptime"`
}

type echoInput struct {
	Message string `json:"message"`
}

type heartbeat struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
}

// procedures is the demo API the daemon serves.
func procedures() subrpc.Tree {
	return subrpc.Tree{
		"system": subrpc.Tree{
			"status": subrpc.Query(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				return &statusReply{
					GoVersion: runtime.Version(),
					Uptime:    time.Since(started).Round(time.Second).String(),
				}, nil
			}),
			"echo": subrpc.Mutation(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				var in echoInput
				if err := subrpc.DecodeInput(input, &in); err != nil {
					return nil, err
				}
				return &in, nil
			}),
			"heartbeat": subrpc.SubscriptionProc(func(ctx context.Context, input json.RawMessage) (interface{}, error) {
				return subrpc.NewObservable(func(sink subrpc.Sink) subrpc.Teardown {
					done := make(chan struct{})
					go func() {
						ticker := time.NewTicker(time.Second)
						defer ticker.Stop()
						seq := 0
						for {
							select {
							case t := <-ticker.C:
								seq++
								sink.Next(&heartbeat{Seq: seq, Time: t})
							case <-done:
								return
							}
						}
					}()
					return func() { close(done) }
				}), nil
			}),
		},
	}
}
