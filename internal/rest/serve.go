// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest exposes planning and workflow execution over HTTP.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/ministack/internal/ops"
)

// Workflows are memory hungry, so only one runs at a time
var runMutex sync.Mutex

// Returns the router with all API endpoints
func NewRouter() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/plan", postPlan)
			v1.POST("/run", postRun)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func Serve(addr string) error {
	return NewRouter().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Creates a context for a request. File names must stay within the working directory tree
func newContext(logWriter io.Writer) *ops.Context {
	ctx := ops.NewContext(logWriter)
	ctx.Sandboxed = true
	return ctx
}

type postPlanArgs struct {
	FilePatterns []string    `json:"filePatterns"`
	FileDateFmt  string      `json:"fileDateFmt"`
	Plan         *ops.OpPlan `json:"plan"`
}

// Plans ministacks for the given files and returns the plan as JSON
func postPlan(c *gin.Context) {
	var args postPlanArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Plan == nil {
		args.Plan = ops.NewOpPlanDefault()
	}

	var log bytesLog
	ctx := newContext(&log)
	if err := ops.NewOpLoad(args.FilePatterns, args.FileDateFmt).Apply(ctx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := args.Plan.Apply(ctx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "log": log.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ministacks": ctx.Plan, "log": log.String()})
}

// Runs a workflow and streams the log as plain text
func postRun(c *gin.Context) {
	seq := ops.NewOpSequenceDefault()
	if err := c.ShouldBindJSON(seq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Workflow:\n", "\n", seq); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	runMutex.Lock()
	defer runMutex.Unlock()
	if err := seq.Apply(newContext(logWriter)); err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
	} else {
		fmt.Fprintf(logWriter, "Done.\n")
	}
	logWriter.Flush()
}
