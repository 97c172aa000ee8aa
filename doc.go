// Package paygent provides an embeddable Go client for session-budgeted,
// stablecoin-metered AI inference.
//
// A paygent Client holds one payment identity, one durable spending session
// shared across every process pointed at the same store, and a
// payment-capable inference pipeline that settles usage against the session.
//
// # Creating a session and chatting
//
//	client, _ := paygent.New(
//	    paygent.WithRedis("localhost:6379", ""),
//	    paygent.WithPrivateKey(os.Getenv("PAYGENT_KEY")),
//	    paygent.WithChain(paygent.ChainConfig{
//	        RPCURL:                "https://mainnet.base.org",
//	        ChainID:               8453,
//	        TokenAddress:          usdc,
//	        SessionManagerAddress: manager,
//	        TreasuryAddress:       treasury,
//	    }),
//	    paygent.WithInference("https://inference.example.com"),
//	)
//	defer client.Close()
//
//	_, _ = client.CreateSession(ctx, 5*paygent.MicroUnit, time.Hour)
//	res, _ := client.Chat(ctx, paygent.ChatRequest{
//	    Message: "hello",
//	    OnUpdate: func(snapshot string) { fmt.Print("\r" + snapshot) },
//	})
//
// Without a private key the client runs disconnected: session creation and
// paid calls return ErrPaymentRequired, free calls still work.
package paygent
