package apierrors

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message/catalog"
)

// DefaultLocale is used when the request names no supported language.
var DefaultLocale = language.English

var supportedLocales = []language.Tag{language.English, language.French}

// Details ids of the business errors raised by the flow.
const (
	DetailsInvalidStateToken        = "invalid_state_token"
	DetailsAttemptExpired           = "attempt_expired"
	DetailsAttemptNotFound          = "attempt_not_found"
	DetailsNotAuthenticated         = "not_authenticated"
	DetailsAlreadySignedIn          = "already_signed_in"
	DetailsInvalidCredentials       = "invalid_credentials"
	DetailsUserAlreadyExists        = "user_already_exists"
	DetailsLoginTaken               = "login_taken"
	DetailsPasswordDisabled         = "password_disabled"
	DetailsPasswordTooShort         = "password_too_short"
	DetailsMissingIdentifier        = "missing_identifier"
	DetailsInvalidClaimValue        = "invalid_claim_value"
	DetailsClaimNotWritable         = "claim_not_writable"
	DetailsUnknownClaim             = "unknown_claim"
	DetailsMissingRequiredClaims    = "missing_required_claims"
	DetailsInvalidValidationCode    = "invalid_validation_code"
	DetailsValidationRateLimited    = "validation_rate_limited"
	DetailsValidationResendTooEarly = "validation_resend_too_early"
	DetailsValidationUnavailable    = "validation_unavailable"
	DetailsProviderUnknown          = "provider_unknown"
	DetailsProviderDisabled         = "provider_disabled"
	DetailsProviderFailed           = "provider_failed"
	DetailsRateLimited              = "rate_limited"
	DetailsInternalServerError      = "internal_server_error"
)

var messages = map[string][2]string{
	DetailsInvalidStateToken:        {"The sign-in session is invalid.", "La session de connexion est invalide."},
	DetailsAttemptExpired:           {"The sign-in session has expired, please start again.", "La session de connexion a expiré, veuillez recommencer."},
	DetailsAttemptNotFound:          {"The sign-in session no longer exists.", "La session de connexion n'existe plus."},
	DetailsNotAuthenticated:         {"You must sign in first.", "Vous devez d'abord vous connecter."},
	DetailsAlreadySignedIn:          {"You are already signed in for this session.", "Vous êtes déjà connecté pour cette session."},
	DetailsInvalidCredentials:       {"The login or the password is incorrect.", "L'identifiant ou le mot de passe est incorrect."},
	DetailsUserAlreadyExists:        {"An account already exists for %s.", "Un compte existe déjà pour %s."},
	DetailsLoginTaken:               {"This email address or username is already used by another account.", "Cette adresse e-mail ou ce nom d'utilisateur est déjà utilisé par un autre compte."},
	DetailsPasswordDisabled:         {"Password sign-in is not available.", "La connexion par mot de passe n'est pas disponible."},
	DetailsPasswordTooShort:         {"The password must contain at least %d characters.", "Le mot de passe doit contenir au moins %d caractères."},
	DetailsMissingIdentifier:        {"An email address or a username is required.", "Une adresse e-mail ou un nom d'utilisateur est requis."},
	DetailsInvalidClaimValue:        {"The value of %s is invalid.", "La valeur de %s est invalide."},
	DetailsClaimNotWritable:         {"%s cannot be changed.", "%s ne peut pas être modifié."},
	DetailsUnknownClaim:             {"%s is not a known claim.", "%s n'est pas une information connue."},
	DetailsMissingRequiredClaims:    {"Some required information is missing.", "Certaines informations requises sont manquantes."},
	DetailsInvalidValidationCode:    {"The validation code is incorrect or expired.", "Le code de validation est incorrect ou expiré."},
	DetailsValidationRateLimited:    {"Too many attempts, please try again later.", "Trop de tentatives, veuillez réessayer plus tard."},
	DetailsValidationResendTooEarly: {"Please wait before requesting a new code.", "Veuillez patienter avant de demander un nouveau code."},
	DetailsValidationUnavailable:    {"Your information cannot be verified at the moment.", "Vos informations ne peuvent pas être vérifiées pour le moment."},
	DetailsProviderUnknown:          {"This sign-in method does not exist.", "Cette méthode de connexion n'existe pas."},
	DetailsProviderDisabled:         {"This sign-in method is not available.", "Cette méthode de connexion n'est pas disponible."},
	DetailsProviderFailed:           {"The sign-in with the external provider failed.", "La connexion avec le fournisseur externe a échoué."},
	DetailsRateLimited:              {"Too many requests, please try again later.", "Trop de requêtes, veuillez réessayer plus tard."},
	DetailsInternalServerError:      {"An unexpected error occurred.", "Une erreur inattendue s'est produite."},
}

func newMessageCatalog() (catalog.Catalog, error) {
	b := catalog.NewBuilder(catalog.Fallback(DefaultLocale))
	for id, texts := range messages {
		for i, tag := range supportedLocales {
			if err := b.SetString(tag, id, texts[i]); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}
