package main

import (
	"fmt"

	_ "github.com/nightjarhq/blobcache/cache"
	_ "github.com/nightjarhq/blobcache/protect"
)

func main() {
	fmt.Println("Hi")
}
