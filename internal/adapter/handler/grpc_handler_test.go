package handler

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/cart-reservation/internal/port"
)

func newTestClient(t *testing.T, events port.EventPublisher) *CartServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	RegisterCartServiceServer(srv, NewGRPCHandler(newTestService(t, events)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewCartServiceClient(conn)
}

func TestGRPC_AddItemAndCheckout(t *testing.T) {
	client := newTestClient(t, &mockPublisher{})
	ctx := context.Background()

	added, err := client.AddItem(ctx, &AddItemRequest{UserID: 1, ProductID: 5, QuantityDelta: 2})
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if !added.Success || added.Cart == nil || added.Action != "added" {
		t.Fatalf("unexpected response %+v", added)
	}
	if added.Cart.TotalPrice.String() != "200" {
		t.Errorf("expected total 200, got %s", added.Cart.TotalPrice)
	}

	cart, err := client.GetCart(ctx, &GetCartRequest{UserID: 1})
	if err != nil || !cart.Success || len(cart.Cart.Lines) != 1 {
		t.Fatalf("unexpected GetCart response %+v (%v)", cart, err)
	}

	checkout, err := client.Checkout(ctx, &CheckoutRequest{CartID: added.Cart.ID})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if !checkout.Success || checkout.Reserved[5] != 2 || checkout.Replayed {
		t.Errorf("unexpected checkout response %+v", checkout)
	}

	again, _ := client.Checkout(ctx, &CheckoutRequest{CartID: added.Cart.ID})
	if !again.Replayed {
		t.Error("expected second checkout to replay")
	}
}

func TestGRPC_ErrorsInResponse(t *testing.T) {
	client := newTestClient(t, &mockPublisher{})
	ctx := context.Background()

	resp, err := client.AddItem(ctx, &AddItemRequest{UserID: 1, ProductID: 5, QuantityDelta: 20})
	if err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if resp.Success || resp.Code != "insufficient_stock" {
		t.Errorf("unexpected response %+v", resp)
	}

	removed, _ := client.AddItem(ctx, &AddItemRequest{UserID: 1, ProductID: 5, QuantityDelta: -1})
	if removed.Success || removed.Code != "validation" {
		t.Errorf("unexpected response %+v", removed)
	}

	missing, _ := client.GetCart(ctx, &GetCartRequest{UserID: 9})
	if missing.Success || missing.Code != "not_found" {
		t.Errorf("unexpected response %+v", missing)
	}
}

func TestGRPC_CheckoutPublishFailure(t *testing.T) {
	client := newTestClient(t, &mockPublisher{down: true})
	ctx := context.Background()

	added, _ := client.AddItem(ctx, &AddItemRequest{UserID: 1, ProductID: 5, QuantityDelta: 1})
	resp, err := client.Checkout(ctx, &CheckoutRequest{CartID: added.Cart.ID})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if resp.Success || resp.Code != "unavailable" || resp.Reserved[5] != 1 {
		t.Errorf("expected reserved result with unavailable code, got %+v", resp)
	}
}
