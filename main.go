package main

import "github.com/solumath/MasarykBOT/cmd"

func main() {
	cmd.Execute()
}
