// Package main is the entry point for the ash binary: the coordinator
// daemon plus the CLI that drives its HTTP API.
package main

func main() {
	Execute()
}
