package main

import "github.com/samuelfneumann/gopolicy/examples"

func main() {
	examples.HybridPolicy()
}
