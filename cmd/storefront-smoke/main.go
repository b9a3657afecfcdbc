package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/config"
	"github.com/jogardn/storefront-orders/internal/orders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()

	api := flag.String("api", "http://localhost:"+cfg.Port, "storefront API base URL")
	product := flag.String("product", "prod-003", "product to order")
	quantity := flag.Int("quantity", 1, "units to order")
	card := flag.String("card", "4242424242424242", "card number to charge")
	timeout := flag.Duration("timeout", time.Minute, "deadline for the whole run")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, orders.NewClient(*api, logger), *product, *quantity, *card, logger); err != nil {
		entry := logger.WithError(err)
		var apiErr *orders.APIError
		if errors.As(err, &apiErr) {
			entry = entry.WithFields(logrus.Fields{
				"status": apiErr.Status,
				"code":   apiErr.Code,
			})
		}
		entry.Fatal("Smoke run failed")
	}
}

// run places one order, pays it and reads it back.
func run(ctx context.Context, client *orders.Client, product string, quantity int, card string, logger *logrus.Logger) error {
	email := "smoke-" + uuid.New().String()[:8] + "@example.com"
	created, err := client.CreateTransaction(ctx, orders.CreateTransactionRequest{
		Items:           []orders.LineItemRequest{{ProductID: product, Quantity: quantity}},
		CustomerName:    "Smoke Test",
		CustomerEmail:   email,
		CustomerAddress: "Calle 10 #20-30",
		DeliveryInfo: orders.DeliveryInfoRequest{
			FirstName:  "Smoke",
			LastName:   "Test",
			Address:    "Calle 10 #20-30",
			City:       "Bogota",
			State:      "Cundinamarca",
			PostalCode: "110111",
			Phone:      "3001234567",
		},
	})
	if err != nil {
		return err
	}

	expiry := time.Now().AddDate(2, 0, 0)
	paid, err := client.ProcessPayment(ctx, created.TransactionID, orders.CardRequest{
		CardNumber:      card,
		ExpirationMonth: int(expiry.Month()),
		ExpirationYear:  expiry.Year(),
		CVV:             "123",
		CardholderName:  "Smoke Test",
	})
	if err != nil {
		return err
	}

	fetched, err := client.GetTransaction(ctx, created.TransactionID)
	if err != nil {
		return err
	}
	if fetched.Status != paid.Status {
		return fmt.Errorf("stored status %s differs from payment reply %s", fetched.Status, paid.Status)
	}

	fields := logrus.Fields{
		"transaction_id": fetched.TransactionID,
		"status":         fetched.Status,
		"amount":         fetched.Amount,
		"card_brand":     paid.CardBrand,
	}
	if paid.DeliveryAssigned != nil {
		fields["delivery_id"] = paid.DeliveryAssigned.ID
	}
	logger.WithFields(fields).Info("Smoke run completed")
	return nil
}
