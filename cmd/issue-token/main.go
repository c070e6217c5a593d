// Command issue-token signs a student token for local testing against a
// running server. Production tokens come from the identity service.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/service"
)

func main() {
	var userID, gradeID string
	flag.StringVar(&userID, "user", "", "Student user id (required)")
	flag.StringVar(&gradeID, "grade", "", "Grade id used to scope question pages")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, err := service.NewAuthService(cfg).IssueStudentToken(userID, gradeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Str("user_id", userID).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}
