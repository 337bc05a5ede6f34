package main

import "price-deviation-watch/internal/cli"

func main() {
	cli.Execute()
}
