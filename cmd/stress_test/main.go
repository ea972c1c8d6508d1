package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	initialSeats  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var (
		inv    port.InventoryStore
		ledger port.OrderLedger
	)
	// MYSQL_DSN switches from the in-memory stores to MySQL
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		defer db.Close()
		if err := storage.EnsureMySQLSchema(ctx, db); err != nil {
			log.Fatalf("failed to prepare schema: %v", err)
		}
		inv, ledger = storage.NewMySQLInventory(db), storage.NewMySQLLedger(db)
	} else {
		inv, ledger = storage.NewMemoryInventory(), storage.NewMemoryLedger()
	}

	departure := time.Now().Add(24 * time.Hour).Truncate(time.Minute)
	item, err := inv.Put(ctx, domain.Item{
		Type:           domain.TicketTypeTrain,
		FareClass:      "二等座",
		StartsAt:       departure,
		EndsAt:         departure.Add(5 * time.Hour),
		TotalSeats:     initialSeats,
		RemainingSeats: initialSeats,
		Price:          domain.MoneyFromFloat(553.5),
		Details:        domain.TrainDetails{TrainNumber: fmt.Sprintf("S%d", departure.Unix()%100000), DepartureCity: "北京", ArrivalCity: "上海"},
	})
	if err != nil {
		log.Fatalf("failed to seed item: %v", err)
	}

	coordinator := service.NewReservationCoordinator(inv, ledger, service.DefaultConfig(), service.WithLogger(logger))

	var successCount, soldOutCount, errorCount atomic.Int32
	var mu sync.Mutex
	var orderNos []string

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()

			res, err := coordinator.Book(ctx, service.BookingRequest{
				Ticket:       item.Ref(),
				Quantity:     1,
				ContactName:  "压测用户",
				ContactPhone: fmt.Sprintf("138%08d", user),
			})
			switch {
			case err == nil:
				successCount.Add(1)
				mu.Lock()
				orderNos = append(orderNos, res.OrderNo)
				mu.Unlock()
			case errors.Is(err, domain.ErrInsufficientInventory):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("user %d: %v", user, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Ticket:           %s\n", item.Ref())
	fmt.Printf("Initial Seats:    %d\n", initialSeats)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialSeats && soldOut == totalRequests-initialSeats {
		fmt.Printf("PASS: Exactly %d bookings succeeded, %d sold out\n", initialSeats, totalRequests-initialSeats)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialSeats, totalRequests-initialSeats, success, soldOut)
	}

	final, err := inv.Find(ctx, item.Ref())
	if err != nil {
		log.Fatalf("failed to read item: %v", err)
	}
	fmt.Printf("Remaining Seats:  %d\n", final.RemainingSeats)
	if final.RemainingSeats == 0 {
		fmt.Println("PASS: Seats depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected 0 seats, got %d\n", final.RemainingSeats)
	}

	// Cancel every other order concurrently and check seats come back
	var cancelled atomic.Int32
	for i, no := range orderNos {
		if i%2 != 0 {
			continue
		}
		wg.Add(1)
		go func(no string) {
			defer wg.Done()
			if _, err := coordinator.Cancel(ctx, no, "stress test"); err != nil {
				log.Printf("cancel %s: %v", no, err)
				return
			}
			cancelled.Add(1)
		}(no)
	}
	wg.Wait()

	drift, err := service.NewReconciler(inv, ledger, nil, logger).Audit(ctx, item.Ref())
	if err != nil {
		log.Fatalf("failed to audit: %v", err)
	}
	fmt.Printf("Cancelled:        %d\n", cancelled.Load())
	fmt.Printf("Held / Remaining: %d / %d\n", drift.Held, drift.Remaining)
	if drift.Balanced() && drift.Remaining == int(cancelled.Load()) {
		fmt.Println("PASS: Inventory matches the ledger")
	} else {
		fmt.Printf("FAIL: Inventory drift %d\n", drift.Delta)
	}
}
