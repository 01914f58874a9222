package main

import "github.com/noah-isme/gema-grading/internal/cli"

func main() {
	cli.Execute()
}
