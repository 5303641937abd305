// Package engine wires all sequencing subsystems together: the event
// ingestor, lead scorer, rules evaluator, workflow engine, nurture
// router, fault service, cluster manager, and scheduler.
//
// The engine package exists to break a fundamental import cycle: the root
// sequent package defines Entity and Config (imported by event, workflow,
// nurture, etc.) and therefore cannot import those packages back. Engine
// sits above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	seq, err := sequent.New(
//	    sequent.WithStore(pgStore),
//	    sequent.WithMaxHops(20),
//	)
//
//	eng, err := engine.Build(seq,
//	    engine.WithExtension(myExtension),
//	    engine.WithNurtureConfig(nurture.Config{
//	        NurtureWorkflowID: nurtureWF,
//	        PrimaryWorkflowID: primaryWF,
//	    }),
//	    engine.WithTenantThrottle(throttle.TenantConfig{
//	        TenantID:       "acme",
//	        SendsPerSecond: 10,
//	    }),
//	)
//
// # Running
//
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
//	_, err = eng.Ingest(ctx, event.Input{
//	    TenantID: "acme",
//	    Type:     event.TypeEmailOpened,
//	    EntityID: "lead-42",
//	})
package engine
