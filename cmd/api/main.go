package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anjiri1684/groupgate/bot"
	config "github.com/anjiri1684/groupgate/configs"
	"github.com/anjiri1684/groupgate/database"
	"github.com/anjiri1684/groupgate/jobs"
	"github.com/anjiri1684/groupgate/notifications"
	"github.com/anjiri1684/groupgate/payments"
	"github.com/anjiri1684/groupgate/ratelimit"
	"github.com/anjiri1684/groupgate/routes"
	"github.com/anjiri1684/groupgate/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🔥 Invalid configuration: %v", err)
	}

	db, err := database.ConnectDB(cfg.Database.URL)
	if err != nil {
		log.Fatalf("🔥 %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("🔥 %v", err)
	}

	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("🔥 %v", err)
	}

	var locker jobs.Locker = jobs.NewLocalLocker()
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.CheckoutPerWindow, cfg.RateLimit.Window)
	if rdb != nil {
		defer rdb.Close()
		locker = jobs.NewRedisLocker(rdb, "groupgate:")
		limiter = ratelimit.NewRedisLimiter(rdb, "groupgate:rl:", cfg.RateLimit.CheckoutPerWindow, cfg.RateLimit.Window)
	}

	var sinks notifications.Multi
	if brevo := notifications.NewBrevoService(cfg.Email.BrevoAPIKey, cfg.Email.Sender, cfg.Email.SenderName); brevo != nil {
		sinks = append(sinks, brevo)
	}
	if cfg.Kafka.Brokers != "" {
		publisher, err := notifications.NewKafkaPublisher(strings.Split(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
		if err != nil {
			log.Printf("⚠️ Kafka notifications disabled: %v", err)
		} else {
			defer publisher.Close()
			sinks = append(sinks, publisher)
		}
	}
	var notifier notifications.Notifier = sinks
	if len(sinks) == 0 {
		log.Println("⚠️ No notification sink configured, notifications will be dropped")
		notifier = notifications.Nop{}
	}

	paystack := payments.NewClient(cfg.Paystack.SecretKey, cfg.Paystack.BaseURL, cfg.Paystack.Timeout)
	machine := services.NewSubscriptionMachine(nil)
	ingestor := services.NewPaymentIngestor(db, machine, notifier, cfg.FrontendURL)
	checkout := services.NewCheckoutService(db, paystack, cfg.Paystack.CallbackURL)

	feeRate, err := decimal.NewFromString(cfg.Payout.PlatformFeeRate)
	if err != nil {
		log.Fatalf("🔥 Invalid PLATFORM_FEE_RATE %q: %v", cfg.Payout.PlatformFeeRate, err)
	}
	payouts := jobs.NewPayoutCalculator(db, paystack, notifier, feeRate, cfg.Payout.LookbackDays)
	expiry := jobs.NewExpirySweeper(db, notifier, cfg.FrontendURL)

	scheduler := jobs.NewScheduler(locker, cfg.Jobs.RunTimeout, cfg.Jobs.LockTTL)
	mustRegister(scheduler, expiry.Job(cfg.Jobs.ExpirySchedule, cfg.Jobs.RunExpiryOnStart))
	mustRegister(scheduler, payouts.Job(cfg.Jobs.PayoutSchedule, cfg.Jobs.RunPayoutOnStart))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telegram.BotToken != "" {
		api, messenger, err := bot.Connect(cfg.Telegram.BotToken, 75*time.Second)
		if err != nil {
			log.Fatalf("🔥 %v", err)
		}
		reconciler := services.NewMembershipReconciler(db, messenger, machine, cfg.Telegram.RemovalInterval)
		reconciler.SupportHandle = cfg.Telegram.SupportHandle
		reconciler.RegistrationURL = cfg.Telegram.RegistrationURL

		mustRegister(scheduler, jobs.MembershipJob(reconciler, cfg.Jobs.MembershipSchedule, cfg.Jobs.RunMembershipOnStart))
		go bot.New(api, messenger, reconciler, api.Self.ID, cfg.Telegram.SupportHandle, cfg.Telegram.RegistrationURL).Run(ctx)
	} else {
		log.Println("⚠️ TELEGRAM_BOT_TOKEN not set, membership enforcement disabled")
	}

	scheduler.Start()
	log.Println("✅ Scheduler started")

	app := fiber.New(fiber.Config{
		AppName:       cfg.AppName,
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Printf("[ERROR] %v | Path: %s | Method: %s", err, c.Path(), c.Method())
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
		MaxAge:       86400,
	}))
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "success",
			"message": "Welcome to " + cfg.AppName + " API",
		})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	deps := routes.Deps{
		DB:            db,
		Ingestor:      ingestor,
		Checkout:      checkout,
		Machine:       machine,
		Scheduler:     scheduler,
		Payouts:       payouts,
		Limiter:       limiter,
		WebhookSecret: cfg.Paystack.SecretKey,
		JWTSecret:     cfg.Server.JWTSecret,
	}
	routes.PaymentRoutes(app, deps)
	routes.AdminRoutes(app, deps)

	go func() {
		log.Printf("✅ Server is running on %s", cfg.Server.Address)
		if err := app.Listen(cfg.Server.Address); err != nil {
			log.Printf("🔥 Server failed to start: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	scheduler.Stop()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("✅ Shutdown complete")
}

func mustRegister(s *jobs.Scheduler, job jobs.Job) {
	if err := s.Register(job); err != nil {
		log.Fatalf("🔥 %v", err)
	}
}
