package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/ledger-appointment-portal/internal/app"
	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/config"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

var reasons = []string{
	"Annual physical",
	"Dermatology follow-up",
	"Cardiology consultation",
	"Blood work review",
	"Orthopedic assessment",
	"Vaccination",
	"Prescription renewal",
	"Pediatric checkup",
	"Eye exam",
	"ENT referral",
}

func main() {
	patients := flag.Int("patients", 50, "patients to register")
	providers := flag.Int("providers", 10, "providers to authorize")
	appointments := flag.Int("appointments", 200, "appointments to book")
	finalize := flag.Float64("finalize", 0.4, "fraction of bookings to approve or decline")
	records := flag.Int("records", 100, "health records to add")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "seed")
	logger.Info("seed starting", "patients", *patients, "providers", *providers, "appointments", *appointments)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}
	if s, ok := a.Ledger.Session(); !ok || !s.Owner {
		logger.Error("seed must run as the ledger owner", "account", cfg.LedgerAccount)
		os.Exit(1)
	}

	gofakeit.Seed(time.Now().UnixNano())

	provs, err := seedProviders(ctx, a, *providers)
	if err != nil {
		logger.Error("seed providers", "error", err)
		os.Exit(1)
	}
	pats, err := seedPatients(ctx, a, *patients)
	if err != nil {
		logger.Error("seed patients", "error", err)
		os.Exit(1)
	}
	ids := make([]int64, len(pats))
	for i, p := range pats {
		ids[i] = p.id
	}
	if err := seedAppointments(ctx, a, ids, provs, *appointments, *finalize); err != nil {
		logger.Error("seed appointments", "error", err)
		os.Exit(1)
	}
	if err := seedRecords(ctx, a, pats, *records); err != nil {
		logger.Error("seed records", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

func randomAddress() string {
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.WriteString("0x")
	for i := 0; i < 40; i++ {
		b.WriteByte(hexDigits[gofakeit.Number(0, 15)])
	}
	return b.String()
}

func seedProviders(ctx context.Context, a *app.App, count int) ([]string, error) {
	a.Logger.Info("authorizing providers", "count", count)
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		addr := randomAddress()
		if err := a.Gate.Authorize(ctx, addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

type seededPatient struct {
	id   int64
	name string
}

// seedPatients registers each patient from its own account, the way a real
// patient signs their own registration.
func seedPatients(ctx context.Context, a *app.App, count int) ([]seededPatient, error) {
	a.Logger.Info("registering patients", "count", count)
	out := make([]seededPatient, 0, count)
	for i := 0; i < count; i++ {
		client := ledger.NewClient(a.Chain, ledger.StaticWallet{Account: randomAddress()}, ledger.Options{Logger: logging.Discard()})
		if _, err := client.Connect(ctx); err != nil {
			return nil, err
		}
		name := gofakeit.Name()
		id, err := client.RegisterPatient(ctx, name)
		client.Disconnect()
		if err != nil {
			return nil, err
		}
		out = append(out, seededPatient{id: id, name: name})

		if (i+1)%25 == 0 {
			a.Logger.Info("patients registered", "done", i+1, "total", count)
		}
	}
	return out, nil
}

func seedAppointments(ctx context.Context, a *app.App, patients []int64, providers []string, count int, finalize float64) error {
	if len(patients) == 0 || len(providers) == 0 {
		return nil
	}
	a.Logger.Info("booking appointments", "count", count)

	var approved, declined int
	for i := 0; i < count; i++ {
		at := gofakeit.DateRange(time.Now().Add(time.Hour), time.Now().AddDate(0, 3, 0)).Truncate(15 * time.Minute)
		if !at.After(time.Now()) {
			at = at.Add(time.Hour)
		}
		res, err := a.Engine.Book(ctx, appointment.BookRequest{
			PatientID:   patients[gofakeit.Number(0, len(patients)-1)],
			ProviderRef: providers[gofakeit.Number(0, len(providers)-1)],
			ScheduledAt: at,
			Reason:      reasons[gofakeit.Number(0, len(reasons)-1)],
		})
		if err != nil {
			return err
		}

		if gofakeit.Float64Range(0, 1) >= finalize {
			continue
		}
		id := res.LedgerID
		ref := appointment.Ref{LedgerID: &id}
		if gofakeit.Bool() {
			_, err = a.Engine.Approve(ctx, ref)
			approved++
		} else {
			_, err = a.Engine.Decline(ctx, ref)
			declined++
		}
		if err != nil {
			return err
		}
	}

	a.Logger.Info("appointments seeded", "booked", count, "approved", approved, "declined", declined)
	return nil
}

var diagnoses = []struct{ diagnosis, treatment string }{
	{"Seasonal influenza", "Rest, fluids and antivirals"},
	{"Hypertension", "Lisinopril 10mg daily"},
	{"Type 2 diabetes", "Metformin and diet review"},
	{"Sprained ankle", "Rest, ice, compression"},
	{"Contact dermatitis", "Topical corticosteroid"},
	{"Migraine", "Triptan as needed"},
	{"Iron deficiency anemia", "Oral iron supplement"},
	{"Acute bronchitis", "Supportive care"},
}

// seedRecords adds health records as the owner, who may write for anyone.
func seedRecords(ctx context.Context, a *app.App, patients []seededPatient, count int) error {
	if len(patients) == 0 {
		return nil
	}
	a.Logger.Info("adding health records", "count", count)
	for i := 0; i < count; i++ {
		p := patients[gofakeit.Number(0, len(patients)-1)]
		d := diagnoses[gofakeit.Number(0, len(diagnoses)-1)]
		if _, err := a.Engine.AddRecord(ctx, appointment.RecordRequest{
			PatientID:   p.id,
			PatientName: p.name,
			Diagnosis:   d.diagnosis,
			Treatment:   d.treatment,
		}); err != nil {
			return err
		}
	}
	a.Logger.Info("health records seeded", "count", count)
	return nil
}
