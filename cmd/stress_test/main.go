package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type product struct {
	ID    string `json:"id"`
	Stock int    `json:"stock"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "sale-fulfillment HTTP address")
	initialStock := flag.Int("stock", 20, "stock of the contended product")
	totalRequests := flag.Int("requests", 50, "concurrent single-unit orders")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	storeID := "stress-" + uuid.NewString()

	// Create the contended product in a fresh store
	p, err := createProduct(client, *baseURL, storeID, *initialStock)
	if err != nil {
		log.Fatalf("failed to create product: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var conflictCount atomic.Int32
	var otherCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(customer int) {
			defer wg.Done()

			status, err := submitOrder(client, *baseURL, storeID, fmt.Sprintf("customer-%d", customer), p.ID)
			switch {
			case err != nil:
				otherCount.Add(1)
			case status == http.StatusCreated:
				successCount.Add(1)
			case status == http.StatusConflict:
				conflictCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	conflict := conflictCount.Load()
	other := otherCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Created (201):    %d\n", success)
	fmt.Printf("Conflict (409):   %d\n", conflict)
	fmt.Printf("Other:            %d\n", other)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	wantSuccess := min(*initialStock, *totalRequests)
	passed := true

	if int(success) == wantSuccess && int(conflict) == *totalRequests-wantSuccess && other == 0 {
		fmt.Printf("PASS: exactly %d orders succeeded, %d were rejected\n", success, conflict)
	} else {
		fmt.Printf("FAIL: expected %d created/%d conflict, got %d/%d (other %d)\n",
			wantSuccess, *totalRequests-wantSuccess, success, conflict, other)
		passed = false
	}

	// Verify final stock through the API
	final, err := getProduct(client, *baseURL, storeID, p.ID)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", final.Stock)

	if final.Stock == *initialStock-wantSuccess {
		fmt.Printf("PASS: stock settled at %d\n", final.Stock)
	} else {
		fmt.Printf("FAIL: expected stock %d, got %d\n", *initialStock-wantSuccess, final.Stock)
		passed = false
	}

	if !passed {
		os.Exit(1)
	}
}

func createProduct(client *http.Client, baseURL, storeID string, stock int) (*product, error) {
	body, _ := json.Marshal(map[string]any{
		"name":     "stress item",
		"category": "stress",
		"price":    "9.99",
		"stock":    stock,
	})
	var p product
	status, err := doJSON(client, http.MethodPost, baseURL+"/products", storeID, body, &p)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", status)
	}
	return &p, nil
}

func getProduct(client *http.Client, baseURL, storeID, id string) (*product, error) {
	var p product
	status, err := doJSON(client, http.MethodGet, baseURL+"/products/"+id, storeID, nil, &p)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", status)
	}
	return &p, nil
}

func submitOrder(client *http.Client, baseURL, storeID, customerRef, productID string) (int, error) {
	body, _ := json.Marshal(map[string]any{
		"customerRef": customerRef,
		"items":       []map[string]any{{"productId": productID, "quantity": 1}},
	})
	return doJSON(client, http.MethodPost, baseURL+"/sales", storeID, body, nil)
}

func doJSON(client *http.Client, method, url, storeID string, body []byte, out any) (int, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Store-ID", storeID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
