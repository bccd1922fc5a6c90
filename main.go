// Command novelcrawler retrieves webnovel chapters through rotating proxies
// and serves the crawl HTTP API.
package main

import "github.com/Aditya-AR-A/webnovel-crawler/cmd"

func main() {
	cmd.Execute()
}
