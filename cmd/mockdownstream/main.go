// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command mockdownstream is a standalone test/dev sink for exercising a
// running webhookflow delivery loop without a real downstream service.
// It is never imported by the core packages.
package main

import (
	"flag"
	"io"
	"log"
	"net/http"
	"sync"
)

func main() {
	addr := flag.String("addr", ":9090", "address to listen on")
	failFirst := flag.Int("fail-first", 0, "return HTTP 500 for the first N deliveries of each event id, then 200")
	flag.Parse()

	var mu sync.Mutex
	seen := make(map[string]int)

	http.HandleFunc("/downstream/receive", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		eventID := r.Header.Get("X-Event-Id")

		mu.Lock()
		count := seen[eventID]
		seen[eventID] = count + 1
		mu.Unlock()

		if *failFirst > 0 && count < *failFirst {
			log.Printf("mockdownstream: rejecting event %s (attempt %d of %d configured failures)", eventID, count+1, *failFirst)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log.Printf("mockdownstream: accepted event %s, %d bytes", eventID, len(body))
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mockdownstream listening on %s (fail-first=%d)", *addr, *failFirst)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal(err)
	}
}
