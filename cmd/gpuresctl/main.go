// Command gpuresctl inspects gpures configuration and runs synthetic
// workloads against the bookkeeping core.
package main

func main() {
	execute()
}
