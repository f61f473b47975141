package main

import "github.com/lab5e/meshfunk/pkg/seed"

func main() {
	seed.Run()
}
